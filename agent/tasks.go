package agent

// TaskName identifies a registered handler. Every task the kernel knows is
// declared here; free-form task strings reach a handler only through an
// alias or the substring fallback in Registry.Resolve.
type TaskName string

// System tasks bypass tenant configuration and ownership.
const (
	TaskHealth         TaskName = "health"
	TaskOnboard        TaskName = "onboard"
	TaskPipelineStatus TaskName = "pipeline_status"
)

// Tenant tasks.
const (
	TaskPipelineCycle TaskName = "pipeline_cycle"

	TaskPublish          TaskName = "publish"
	TaskAddTools         TaskName = "add_tools"
	TaskAddMedia         TaskName = "add_media"
	TaskAddLinks         TaskName = "add_links"
	TaskReview           TaskName = "review"
	TaskWrite            TaskName = "write"
	TaskGenerateKeywords TaskName = "generate_keywords"
	TaskDiscoverAnchors  TaskName = "discover_anchors"
	TaskAnalyticsAudit   TaskName = "analytics_audit"
)

// PipelineTasks lists the action tasks the pipeline manager dispatches, in
// priority order.
var PipelineTasks = []TaskName{
	TaskPublish,
	TaskAddTools,
	TaskAddMedia,
	TaskAddLinks,
	TaskReview,
	TaskWrite,
	TaskGenerateKeywords,
	TaskDiscoverAnchors,
	TaskAnalyticsAudit,
}

// String returns the task name.
func (t TaskName) String() string {
	return string(t)
}

// systemTasks is the fixed allow-list of tasks that may run without a
// tenant project. A registration marked System must be on it.
var systemTasks = map[TaskName]bool{
	TaskHealth:         true,
	TaskOnboard:        true,
	TaskPipelineStatus: true,
}

// IsSystemTask reports whether t is on the system allow-list.
func IsSystemTask(t TaskName) bool {
	return systemTasks[t]
}
