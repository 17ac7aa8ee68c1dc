package backup

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of an asynchronous backup.
type TaskState uint8

const (
	TaskRunning TaskState = iota
	TaskDone
	TaskFailed
	TaskAborted
)

func (s TaskState) String() string {
	switch s {
	case TaskRunning:
		return "running"
	case TaskDone:
		return "done"
	case TaskFailed:
		return "failed"
	case TaskAborted:
		return "aborted"
	}
	return "unknown"
}

// keepFinished is how many finished tasks stay queryable.
const keepFinished = 16

// Task is an asynchronous backup started by BackUpRecordToManualDrive.
type Task struct {
	ID      string
	Kind    Kind
	Started time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	state    TaskState
	result   Result
	err      error
	finished time.Time
}

// Status returns the task state and, once finished, its result.
func (t *Task) Status() (TaskState, Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.result, t.err
}

// Done is closed when the task finishes.
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) finish(res Result, err error) {
	t.mu.Lock()
	t.result, t.err, t.finished = res, err, time.Now()
	switch {
	case err == nil:
		t.state = TaskDone
	case errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled):
		t.state = TaskAborted
	default:
		t.state = TaskFailed
	}
	t.mu.Unlock()
	close(t.done)
}

// BackUpRecordToManualDrive starts a manual-drive backup in the
// background and returns its task id. The request is checked before the
// task starts.
func (e *Engine) BackUpRecordToManualDrive(req Request) (string, error) {
	if err := req.validate(e.channels); err != nil {
		return "", err
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		ID:      uuid.NewString(),
		Kind:    KindManual,
		Started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	e.mu.Lock()
	e.pruneLocked()
	e.tasks[t.ID] = t
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		res, err := e.run(ctx, KindManual, req)
		t.finish(res, err)
	}()
	e.logger.Info("backup task queued", "task", t.ID)
	return t.ID, nil
}

// Task returns a running or recently finished task.
func (e *Engine) Task(id string) (*Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return t, nil
}

// Cancel stops a running task. It does not wait for it.
func (e *Engine) Cancel(id string) error {
	t, err := e.Task(id)
	if err != nil {
		return err
	}
	t.cancel()
	return nil
}

// Close cancels every running task and waits for them.
func (e *Engine) Close() {
	e.mu.Lock()
	for _, t := range e.tasks {
		t.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// pruneLocked forgets the oldest finished tasks beyond keepFinished.
func (e *Engine) pruneLocked() {
	var finished []*Task
	for _, t := range e.tasks {
		t.mu.Lock()
		if t.state != TaskRunning {
			finished = append(finished, t)
		}
		t.mu.Unlock()
	}
	if len(finished) <= keepFinished {
		return
	}
	slices.SortFunc(finished, func(a, b *Task) int { return a.finished.Compare(b.finished) })
	for _, t := range finished[:len(finished)-keepFinished] {
		delete(e.tasks, t.ID)
	}
}
