package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu      sync.Mutex
	due     []ScheduledTask
	fired   []string
	failed  []string
	fireErr error
}

func (f *fakeStore) Create(ctx context.Context, task ScheduledTask) (ScheduledTask, error) {
	return task, nil
}

func (f *fakeStore) DueTasks(ctx context.Context, now time.Time, limit int) ([]ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	due := f.due
	f.due = nil
	return due, nil
}

func (f *fakeStore) RecordFire(ctx context.Context, id string, firedAt time.Time, externalTaskID string) (ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fireErr != nil {
		return ScheduledTask{}, f.fireErr
	}
	f.fired = append(f.fired, id)
	return ScheduledTask{ID: id}, nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (ScheduledTask, error) {
	return ScheduledTask{}, ErrTaskNotFound
}

func (f *fakeStore) ListByUser(ctx context.Context, userID string, status Status) ([]ScheduledTask, error) {
	return nil, nil
}

func (f *fakeStore) Update(ctx context.Context, id string, update TaskUpdate) (ScheduledTask, error) {
	return ScheduledTask{}, ErrTaskNotFound
}

func (f *fakeStore) Delete(ctx context.Context, id string) (bool, error) {
	return false, nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
	return nil
}

type fakeTurnDispatcher struct {
	mu          sync.Mutex
	dispatch    []string
	dispatchErr error
}

func (f *fakeTurnDispatcher) DispatchScheduled(ctx context.Context, task ScheduledTask, streamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dispatchErr != nil {
		return f.dispatchErr
	}
	f.dispatch = append(f.dispatch, task.ID)
	return nil
}

func TestDispatcherPollFiresDueTasks(t *testing.T) {
	store := &fakeStore{due: []ScheduledTask{{ID: "task-1"}, {ID: "task-2"}}}
	turns := &fakeTurnDispatcher{}
	seq := 0
	d := &Dispatcher{
		Store: store,
		Turns: turns,
		NewID: func() string {
			seq++
			return "stream-" + string(rune('0'+seq))
		},
	}

	d.poll(context.Background())

	turns.mu.Lock()
	defer turns.mu.Unlock()
	if len(turns.dispatch) != 2 {
		t.Fatalf("expected 2 dispatched turns, got %d", len(turns.dispatch))
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.fired) != 2 {
		t.Fatalf("expected 2 recorded fires, got %d", len(store.fired))
	}
}

func TestDispatcherPollMarksFailedOnDispatchError(t *testing.T) {
	store := &fakeStore{due: []ScheduledTask{{ID: "task-1"}}}
	turns := &fakeTurnDispatcher{dispatchErr: errors.New("runner unreachable")}
	d := &Dispatcher{
		Store: store,
		Turns: turns,
		NewID: func() string { return "stream-1" },
	}

	d.poll(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.fired) != 0 {
		t.Fatalf("expected no recorded fires on dispatch failure, got %d", len(store.fired))
	}
	if len(store.failed) != 1 || store.failed[0] != "task-1" {
		t.Fatalf("expected task-1 marked failed, got %v", store.failed)
	}
}

func TestDispatcherRunStopsOnContextCancel(t *testing.T) {
	store := &fakeStore{}
	turns := &fakeTurnDispatcher{}
	d := &Dispatcher{
		Store:    store,
		Turns:    turns,
		NewID:    func() string { return "stream-1" },
		Interval: 10 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
