package bridge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aristath/taskgraph/internal/scheduler"
)

const memoryPrefix = "mem:"

// MemoryBridge is a scripted in-process bridge. Every dispatched task reports
// Running for a configurable number of polls and then the outcome scripted
// for its id (Completed unless told otherwise).
type MemoryBridge struct {
	mu          sync.Mutex
	pollsToDone int
	outcomes    map[string]Outcome
	dispatchErr map[string][]error
	pollErr     map[string]error
	polls       map[Handle]int
	dispatched  []string
	released    []string
	seq         int
}

// NewMemoryBridge creates a bridge whose tasks finish after pollsToDone polls.
func NewMemoryBridge(pollsToDone int) *MemoryBridge {
	if pollsToDone < 1 {
		pollsToDone = 1
	}
	return &MemoryBridge{
		pollsToDone: pollsToDone,
		outcomes:    make(map[string]Outcome),
		dispatchErr: make(map[string][]error),
		pollErr:     make(map[string]error),
		polls:       make(map[Handle]int),
	}
}

// SetOutcome scripts the final outcome for taskID.
func (b *MemoryBridge) SetOutcome(taskID string, out Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outcomes[taskID] = out
}

// Fail scripts taskID to fail with detail.
func (b *MemoryBridge) Fail(taskID, detail string) {
	b.SetOutcome(taskID, Outcome{State: Failed, ExitCode: 1, Detail: detail})
}

// FailDispatch queues errors returned by successive Dispatch calls for taskID.
func (b *MemoryBridge) FailDispatch(taskID string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatchErr[taskID] = append(b.dispatchErr[taskID], errs...)
}

// FailPoll makes every poll of taskID's handles return err until cleared
// with a nil err.
func (b *MemoryBridge) FailPoll(taskID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.pollErr, taskID)
		return
	}
	b.pollErr[taskID] = err
}

// Dispatched returns task ids in dispatch order, including repeats.
func (b *MemoryBridge) Dispatched() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.dispatched...)
}

// Released returns the ids of tasks passed to Release, in call order.
func (b *MemoryBridge) Released() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.released...)
}

// InFlight returns the ids of dispatched tasks that have not finished yet.
func (b *MemoryBridge) InFlight() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for h, n := range b.polls {
		if n < b.pollsToDone {
			ids = append(ids, taskOf(h))
		}
	}
	sort.Strings(ids)
	return ids
}

// Dispatch records the task and returns a fresh handle.
func (b *MemoryBridge) Dispatch(ctx context.Context, task scheduler.TaskNode) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if queued := b.dispatchErr[task.ID]; len(queued) > 0 {
		b.dispatchErr[task.ID] = queued[1:]
		return "", queued[0]
	}
	b.seq++
	h := Handle(fmt.Sprintf("%s%d:%s", memoryPrefix, b.seq, task.ID))
	b.polls[h] = 0
	b.dispatched = append(b.dispatched, task.ID)
	return h, nil
}

// Poll advances the handle by one poll.
func (b *MemoryBridge) Poll(ctx context.Context, h Handle) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.polls[h]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	id := taskOf(h)
	if err := b.pollErr[id]; err != nil {
		return Outcome{}, err
	}
	if n < b.pollsToDone {
		n++
		b.polls[h] = n
	}
	if n < b.pollsToDone {
		return Outcome{State: Running}, nil
	}
	if out, ok := b.outcomes[id]; ok {
		return out, nil
	}
	return Outcome{State: Completed}, nil
}

func taskOf(h Handle) string {
	rest := strings.TrimPrefix(string(h), memoryPrefix)
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		return rest[i+1:]
	}
	return rest
}

// Release forgets the handle. Polling it afterwards reports ErrUnknownHandle.
func (b *MemoryBridge) Release(ctx context.Context, task scheduler.TaskNode, h Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.polls[h]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	delete(b.polls, h)
	b.released = append(b.released, task.ID)
	return nil
}
