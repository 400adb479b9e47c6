package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/vinayprograms/taskkernel/contextstore"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// handleContextWS pushes every version of a context to the client and
// closes once the context reaches a terminal status, is deleted or expires.
// The tenant check runs before the upgrade so refusals are plain HTTP.
func (s *Server) handleContextWS(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	// Client frames are ignored; CloseRead cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	records, err := s.Contexts.Watch(ctx, rec.ID)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "context unavailable")
		return
	}
	if err := streamRecords(ctx, records, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func streamRecords(ctx context.Context, records <-chan contextstore.Record, writer wsWriter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-records:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
			if rec.Terminal() {
				return nil
			}
		}
	}
}
