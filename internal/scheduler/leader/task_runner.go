package leader

import (
	"context"
	"time"

	"github.com/armadaproject/sessionscheduler/internal/common/logcontext"
	"github.com/armadaproject/sessionscheduler/internal/common/task"
)

// TaskRunner runs the registered tasks while this replica leads.
type TaskRunner struct {
	manager     *task.BackgroundTaskManager
	tasks       []task.Task
	stopTimeout time.Duration
}

func NewTaskRunner(manager *task.BackgroundTaskManager, stopTimeout time.Duration) *TaskRunner {
	return &TaskRunner{manager: manager, stopTimeout: stopTimeout}
}

// Register adds tasks. Tasks registered while leading start with the next leadership term.
func (r *TaskRunner) Register(tasks ...task.Task) {
	r.tasks = append(r.tasks, tasks...)
}

func (r *TaskRunner) OnStartedLeading(ctx context.Context) {
	r.manager.Start(logcontext.WithLogField(logcontext.FromContext(ctx), "component", "TaskRunner"), r.tasks)
}

// OnStoppedLeading cancels every task and waits for them to return.
func (r *TaskRunner) OnStoppedLeading() {
	r.manager.StopAll(r.stopTimeout)
}
