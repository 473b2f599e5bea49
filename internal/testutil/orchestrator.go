// Package testutil provides in-memory fakes for the orchestration boundary
// and the bastion transport, so slice lifecycle and node execution logic
// can be tested without a testbed.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/fabric-testbed/fablib-go/pkg/orchestrator"
)

// FakeOrchestrator implements orchestrator.Client against scripted state.
type FakeOrchestrator struct {
	mu sync.Mutex

	// CreateID is the slice ID returned by Create.
	CreateID string
	// CreateSlivers is the initial reservation list returned by Create.
	CreateSlivers []orchestrator.Sliver
	// States is consumed one entry per Slices call; the last entry
	// repeats once exhausted.
	States []string
	// SliverList is returned by Slivers.
	SliverList []orchestrator.Sliver
	// FailOp, when set, makes the named operation return StatusFailure
	// with FailDiag.
	FailOp   string
	FailDiag string

	SliceName string
	LeaseEnd  time.Time

	statesServed int
	CreateCalls  int
	SlicesCalls  int
	SliversCalls int
	RenewCalls   int
	DeleteCalls  int
}

var _ orchestrator.Client = (*FakeOrchestrator)(nil)

func (f *FakeOrchestrator) fail(op string) bool { return f.FailOp == op }

func (f *FakeOrchestrator) Create(ctx context.Context, sliceName string, sliceGraph []byte, sshKey string) (orchestrator.Status, string, []orchestrator.Sliver, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++
	if f.fail("create") {
		return orchestrator.StatusFailure, "", nil, f.FailDiag
	}
	f.SliceName = sliceName
	return orchestrator.StatusOK, f.CreateID, f.CreateSlivers, ""
}

func (f *FakeOrchestrator) Slices(ctx context.Context, filter orchestrator.SliceFilter) (orchestrator.Status, []orchestrator.Slice, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SlicesCalls++
	if f.fail("slices") {
		return orchestrator.StatusFailure, nil, f.FailDiag
	}
	state := ""
	if len(f.States) > 0 {
		idx := f.statesServed
		if idx >= len(f.States) {
			idx = len(f.States) - 1
		}
		state = f.States[idx]
		f.statesServed++
	}
	return orchestrator.StatusOK, []orchestrator.Slice{{
		ID:       f.CreateID,
		Name:     f.SliceName,
		State:    state,
		LeaseEnd: f.LeaseEnd,
	}}, ""
}

func (f *FakeOrchestrator) Slivers(ctx context.Context, sliceID string) (orchestrator.Status, []orchestrator.Sliver, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SliversCalls++
	if f.fail("slivers") {
		return orchestrator.StatusFailure, nil, f.FailDiag
	}
	return orchestrator.StatusOK, f.SliverList, ""
}

func (f *FakeOrchestrator) Resources(ctx context.Context) (orchestrator.Status, []byte, string) {
	if f.fail("resources") {
		return orchestrator.StatusFailure, nil, f.FailDiag
	}
	return orchestrator.StatusOK, []byte("{}"), ""
}

func (f *FakeOrchestrator) Renew(ctx context.Context, sliceID string, end time.Time) (orchestrator.Status, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RenewCalls++
	if f.fail("renew") {
		return orchestrator.StatusFailure, f.FailDiag
	}
	f.LeaseEnd = end
	return orchestrator.StatusOK, ""
}

func (f *FakeOrchestrator) Delete(ctx context.Context, sliceID string) (orchestrator.Status, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeleteCalls++
	if f.fail("delete") {
		return orchestrator.StatusFailure, f.FailDiag
	}
	return orchestrator.StatusOK, ""
}
