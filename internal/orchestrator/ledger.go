package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/taskgraph/internal/persistence"
	"github.com/aristath/taskgraph/internal/scheduler"
)

// ledger records run history when a store is configured. Ledger failures
// are logged and never stop the run: resume relies on the checkpoint.
type ledger struct {
	store  persistence.Store
	runID  string
	logger *zap.Logger
}

func (lg *ledger) start(ctx context.Context, specPath string, resumed bool, tasks []scheduler.TaskNode, at time.Time) {
	if lg.store == nil {
		return
	}
	run := persistence.Run{ID: lg.runID, SpecPath: specPath, Resumed: resumed, StartedAt: at}
	if err := lg.store.StartRun(ctx, run); err != nil {
		lg.logger.Warn("ledger: recording run start", zap.Error(err))
		return
	}
	if err := lg.store.SaveTasks(ctx, lg.runID, tasks, at); err != nil {
		lg.logger.Warn("ledger: recording tasks", zap.Error(err))
	}
}

func (lg *ledger) transition(taskID string, from, to scheduler.TaskStatus, detail string, at time.Time) {
	lg.record(persistence.Transition{TaskID: taskID, From: from, To: to, Detail: detail, At: at}, "")
}

func (lg *ledger) dispatched(taskID, handle string, at time.Time) {
	lg.record(persistence.Transition{TaskID: taskID, From: scheduler.TaskReady, To: scheduler.TaskRunning, At: at}, handle)
}

func (lg *ledger) record(tr persistence.Transition, handle string) {
	if lg.store == nil {
		return
	}
	if err := lg.store.RecordTransition(context.Background(), lg.runID, tr, handle); err != nil {
		lg.logger.Warn("ledger: recording transition",
			zap.String("task", tr.TaskID),
			zap.Stringer("to", tr.To),
			zap.Error(err))
	}
}

func (lg *ledger) finish(ctx context.Context, outcome string, at time.Time) {
	if lg.store == nil {
		return
	}
	if err := lg.store.FinishRun(ctx, lg.runID, outcome, at); err != nil {
		lg.logger.Warn("ledger: recording run finish", zap.Error(err))
	}
}
