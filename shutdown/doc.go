// Package shutdown orders the kernel's graceful stop.
//
// Components register a ShutdownHandler with a phase. Lower phases stop
// first; handlers within one phase run concurrently. The kernel daemon uses
// three phases:
//
//	PhaseFrontend (10)  stop the HTTP listener, refuse new dispatches
//	PhaseWorkers  (20)  drain in-flight background tasks
//	PhaseStores   (30)  close the context store, entity store and bus
//
// Typical wiring:
//
//	coord := shutdown.NewCoordinator(shutdown.Config{DefaultTimeout: 30 * time.Second})
//	coord.RegisterFuncWithPhase("http", srv.Shutdown, shutdown.PhaseFrontend)
//	coord.RegisterFuncWithPhase("background", exec.Drain, shutdown.PhaseWorkers)
//	coord.RegisterFuncWithPhase("contexts", closeStores, shutdown.PhaseStores)
//	coord.HandleSignals(ctx)
//	<-coord.Done()
//
// A phase that is still running when the context expires is abandoned and
// Shutdown returns ErrTimeout.
package shutdown
