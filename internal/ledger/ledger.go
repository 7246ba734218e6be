// Package ledger records tasks that exhausted their retries, so they
// survive for inspection and manual replay instead of vanishing.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/subgate/subgate/internal/logging"
	"github.com/subgate/subgate/internal/metrics"
	"github.com/subgate/subgate/internal/task"
)

// FailedTask is one exhausted task with enough context to rerun it.
type FailedTask struct {
	ID      int64
	TaskID  string
	Name    string
	Payload []byte
	Exc     string // final error message
	Trace   string // formatted chain of attempt errors, when available
	When    time.Time
}

// Store persists failed tasks.
type Store interface {
	Insert(ctx context.Context, ft *FailedTask) error
	List(ctx context.Context, limit int) ([]FailedTask, error)
	Get(ctx context.Context, id int64) (*FailedTask, error)
	Delete(ctx context.Context, id int64) error
}

// Ledger couples the store with a publisher so entries can be replayed
// onto the work queue.
type Ledger struct {
	store     Store
	publisher task.Publisher
	logger    *logging.Logger
}

func New(store Store, publisher task.Publisher, logger *logging.Logger) *Ledger {
	return &Ledger{store: store, publisher: publisher, logger: logger}
}

// Record writes one exhausted task to the ledger.
func (l *Ledger) Record(ctx context.Context, t *task.Task, finalErr error, trace string) error {
	ft := &FailedTask{
		TaskID:  t.ID,
		Name:    t.Name,
		Payload: t.Payload,
		Exc:     finalErr.Error(),
		Trace:   trace,
		When:    time.Now().UTC(),
	}
	if err := l.store.Insert(ctx, ft); err != nil {
		return fmt.Errorf("recording failed task %s: %w", t.ID, err)
	}
	metrics.RecordLedgerWrite()
	l.logger.WithContext(ctx).WithTask(t.Name).
		WithField("task_id", t.ID).
		WithError(finalErr).
		Error("task exhausted retries, written to failure ledger")
	return nil
}

// List returns up to limit entries, newest first.
func (l *Ledger) List(ctx context.Context, limit int) ([]FailedTask, error) {
	return l.store.List(ctx, limit)
}

// Replay resubmits the entry's original task with a fresh attempt count,
// then removes the entry. The entry stays put if publishing fails, so a
// replay can never lose the task.
func (l *Ledger) Replay(ctx context.Context, id int64) error {
	ft, err := l.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if ft == nil {
		return fmt.Errorf("ledger entry %d not found", id)
	}

	t := &task.Task{
		ID:         ft.TaskID,
		Name:       ft.Name,
		Payload:    ft.Payload,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := l.publisher.Publish(ctx, t); err != nil {
		return fmt.Errorf("replaying ledger entry %d: %w", id, err)
	}
	if err := l.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("removing replayed ledger entry %d: %w", id, err)
	}
	metrics.RecordLedgerReplay()
	l.logger.WithContext(ctx).WithTask(ft.Name).
		WithField("task_id", ft.TaskID).
		Info("ledger entry replayed")
	return nil
}

// Delete drops an entry without rerunning it.
func (l *Ledger) Delete(ctx context.Context, id int64) error {
	return l.store.Delete(ctx, id)
}
