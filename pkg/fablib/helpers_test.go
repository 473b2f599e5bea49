package fablib

import (
	"net"
	"testing"
	"time"

	"github.com/fabric-testbed/fablib-go/internal/testutil"
	"github.com/fabric-testbed/fablib-go/pkg/bastion"
	"github.com/fabric-testbed/fablib-go/pkg/orchestrator"
)

// newTestManager wires a manager to the given fakes with throwaway keys.
func newTestManager(t *testing.T, orch orchestrator.Client, transport bastion.Transport) *Manager {
	t.Helper()
	priv, pub := testutil.WriteKeyPair(t)

	cfg := &Config{OrchestratorHost: "orchestrator.example.net"}
	cfg.Bastion.Host = "bastion.example.net"
	cfg.Bastion.User = "bastion_user"
	cfg.Bastion.KeyFile = priv
	cfg.Slice.User = "rocky"
	cfg.Slice.KeyFile = priv
	cfg.Slice.PublicKeyFile = pub

	m, err := NewManager(cfg, orch, transport)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

// captureSleeps replaces the retry sleep with a recorder for the duration
// of the test.
func captureSleeps(t *testing.T) *[]time.Duration {
	t.Helper()
	var sleeps []time.Duration
	orig := sleepFn
	sleepFn = func(d time.Duration) { sleeps = append(sleeps, d) }
	t.Cleanup(func() { sleepFn = orig })
	return &sleeps
}

// addBasicNode adds a node with one shared NIC and returns it with its
// single interface.
func addBasicNode(t *testing.T, s *Slice, name, site string) (*Node, *Interface) {
	t.Helper()
	node, err := s.AddNode(name, site)
	if err != nil {
		t.Fatalf("AddNode(%s): %v", name, err)
	}
	comp, err := node.AddComponent(ComponentNICBasic, "nic1")
	if err != nil {
		t.Fatalf("AddComponent(%s): %v", name, err)
	}
	ifaces := comp.Interfaces()
	if len(ifaces) != 1 {
		t.Fatalf("expected 1 interface on shared NIC, got %d", len(ifaces))
	}
	return node, ifaces[0]
}

func mustIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	if ip == nil {
		t.Fatalf("bad IP %q", s)
	}
	return ip
}

// addSmartNode adds a node with a two-port SmartNIC.
func addSmartNode(t *testing.T, s *Slice, name, site string) (*Node, []*Interface) {
	t.Helper()
	node, err := s.AddNode(name, site)
	if err != nil {
		t.Fatalf("AddNode(%s): %v", name, err)
	}
	comp, err := node.AddComponent(ComponentNICConnectX6, "nic1")
	if err != nil {
		t.Fatalf("AddComponent(%s): %v", name, err)
	}
	return node, comp.Interfaces()
}
