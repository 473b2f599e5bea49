// Package fablib is the client library for provisioning and operating
// slices on the testbed. Experimenters build a slice topology of nodes,
// components and network services, submit it to the orchestrator, wait for
// it to converge, then drive post-boot network configuration on the
// provisioned nodes over bastion-relayed SSH.
package fablib

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/fabric-testbed/fablib-go/pkg/bastion"
	"github.com/fabric-testbed/fablib-go/pkg/orchestrator"
	"github.com/fabric-testbed/fablib-go/pkg/topology"
	"github.com/fabric-testbed/fablib-go/pkg/util"
)

// sleepFn is swapped in tests to observe retry pacing.
var sleepFn = time.Sleep

// Manager owns the connections to the testbed and is the entry point for
// creating and retrieving slices. One manager per process is typical, but
// nothing here is global; callers construct one and pass it down.
type Manager struct {
	cfg       *Config
	orch      orchestrator.Client
	transport bastion.Transport

	// PostBootWorkers bounds the parallel SSH fan-out in post-boot
	// configuration.
	PostBootWorkers int

	signerOnce sync.Once
	signer     ssh.Signer
	signerErr  error
}

// NewManager constructs a manager from its collaborators.
func NewManager(cfg *Config, orch orchestrator.Client, transport bastion.Transport) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.LogLevel != "" {
		if err := util.SetLogLevel(cfg.LogLevel); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}
	return &Manager{
		cfg:             cfg,
		orch:            orch,
		transport:       transport,
		PostBootWorkers: 10,
	}, nil
}

// Config returns the manager's configuration.
func (m *Manager) Config() *Config { return m.cfg }

// NewSlice creates an empty, unsubmitted slice.
func (m *Manager) NewSlice(name string) *Slice {
	return &Slice{
		mgr:   m,
		name:  name,
		state: SliceStateNew,
		topo:  topology.New(),
	}
}

// NewSliceFromTopology creates an unsubmitted slice from a serialized
// topology graph.
func (m *Manager) NewSliceFromTopology(name string, data []byte) (*Slice, error) {
	topo, err := topology.Load(data)
	if err != nil {
		return nil, err
	}
	return &Slice{
		mgr:   m,
		name:  name,
		state: SliceStateNew,
		topo:  topo,
	}, nil
}

// GetSlice retrieves an existing slice by name and refreshes its local
// state from the orchestrator.
func (m *Manager) GetSlice(ctx context.Context, name string) (*Slice, error) {
	st, records, diag := m.orch.Slices(ctx, orchestrator.SliceFilter{
		Name:     name,
		Excludes: []string{string(SliceStateDead)},
	})
	if err := orchestrator.Check("slices", st, diag); err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.Name == name {
			s := &Slice{
				mgr:   m,
				name:  rec.Name,
				id:    rec.ID,
				state: SliceState(rec.State),
				topo:  topology.New(),
			}
			if err := s.Update(ctx); err != nil {
				return nil, err
			}
			return s, nil
		}
	}
	return nil, util.NewNotFoundError("slice", name)
}

// ListSlices returns the caller's slice records, excluding dead slices
// unless includeDead is set.
func (m *Manager) ListSlices(ctx context.Context, includeDead bool) ([]orchestrator.Slice, error) {
	filter := orchestrator.SliceFilter{}
	if !includeDead {
		filter.Excludes = []string{string(SliceStateDead)}
	}
	st, records, diag := m.orch.Slices(ctx, filter)
	if err := orchestrator.Check("slices", st, diag); err != nil {
		return nil, err
	}
	return records, nil
}

// Resources fetches the advertised testbed topology.
func (m *Manager) Resources(ctx context.Context) ([]byte, error) {
	st, payload, diag := m.orch.Resources(ctx)
	if err := orchestrator.Check("resources", st, diag); err != nil {
		return nil, err
	}
	return payload, nil
}

// nodeSigner loads the slice node key once and caches the signer.
func (m *Manager) nodeSigner() (ssh.Signer, error) {
	m.signerOnce.Do(func() {
		m.signer, m.signerErr = bastion.LoadSigner(m.cfg.Slice.KeyFile, "")
	})
	return m.signer, m.signerErr
}

// nodeTarget builds the bastion target for a node management address.
func (m *Manager) nodeTarget(managementIP string) (bastion.Target, error) {
	signer, err := m.nodeSigner()
	if err != nil {
		return bastion.Target{}, fmt.Errorf("node key: %w", err)
	}
	return bastion.Target{
		ManagementIP: managementIP,
		User:         m.cfg.Slice.User,
		Signer:       signer,
	}, nil
}
