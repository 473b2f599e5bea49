// Package orchestrator defines the boundary to the remote slice
// orchestration service. The wire protocol is opaque to this library; the
// core only depends on the Client interface and the (Status, payload)
// contract of each call.
package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// Status is the result code paired with every boundary response.
// StatusOK is the only success sentinel.
type Status int

const (
	StatusOK Status = iota
	StatusFailure
)

func (s Status) String() string {
	if s == StatusOK {
		return "OK"
	}
	return "Failure"
}

// StatusError is returned by Check when a boundary call did not succeed.
// Diag carries the payload the service returned as diagnostic content.
type StatusError struct {
	Op     string
	Status Status
	Diag   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("orchestrator %s failed (status %s): %s", e.Op, e.Status, e.Diag)
}

// Check converts a non-OK status into a *StatusError.
func Check(op string, st Status, diag string) error {
	if st == StatusOK {
		return nil
	}
	return &StatusError{Op: op, Status: st, Diag: diag}
}

// SliverKind distinguishes the resource types a sliver can represent.
type SliverKind string

const (
	SliverNode    SliverKind = "node"
	SliverNetwork SliverKind = "network"
)

// Slice is the remote service's record for a whole slice.
type Slice struct {
	ID       string
	Name     string
	State    string
	LeaseEnd time.Time
}

// SliverInterface is the per-interface allocation data within a node sliver.
type SliverInterface struct {
	Name string
	MAC  string
	VLAN string
	BW   int64
}

// Sliver is the remote record for one provisioned resource.
type Sliver struct {
	ID     string
	Name   string
	Kind   SliverKind
	State  string
	Notice string

	// Node slivers
	Site         string
	ManagementIP string
	Interfaces   []SliverInterface

	// Network slivers (L3 allocations)
	Subnet  string
	Gateway string
}

// SliceFilter selects slices in a Slices query. Zero values match all.
type SliceFilter struct {
	Name     string
	SliceID  string
	Excludes []string
}

// Client is the remote orchestration boundary. Every call returns a Status
// paired with its payload; on any status other than StatusOK the string
// return holds the service's diagnostic content and the payload is
// undefined.
type Client interface {
	// Create submits a serialized slice graph and returns the slice ID and
	// the initial reservation list.
	Create(ctx context.Context, sliceName string, sliceGraph []byte, sshKey string) (Status, string, []Sliver, string)

	// Slices queries slice records.
	Slices(ctx context.Context, filter SliceFilter) (Status, []Slice, string)

	// Slivers returns the sliver records for a slice.
	Slivers(ctx context.Context, sliceID string) (Status, []Sliver, string)

	// Resources returns the advertised testbed topology (opaque).
	Resources(ctx context.Context) (Status, []byte, string)

	// Renew extends the slice lease.
	Renew(ctx context.Context, sliceID string, end time.Time) (Status, string)

	// Delete tears down the slice.
	Delete(ctx context.Context, sliceID string) (Status, string)
}
