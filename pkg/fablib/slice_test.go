package fablib

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fabric-testbed/fablib-go/internal/testutil"
	"github.com/fabric-testbed/fablib-go/pkg/bastion"
	"github.com/fabric-testbed/fablib-go/pkg/orchestrator"
	"github.com/fabric-testbed/fablib-go/pkg/util"
)

func TestWaitReachesStable(t *testing.T) {
	orch := &testutil.FakeOrchestrator{
		CreateID: "SLICE-1",
		States:   []string{"Configuring", "Configuring", "StableOK"},
	}
	mgr := newTestManager(t, orch, &testutil.FakeTransport{})
	s := mgr.NewSlice("wait-ok")
	addBasicNode(t, s, "node1", "RENC")

	sleeps := captureSleeps(t)

	if err := s.SubmitNoWait(context.Background()); err != nil {
		t.Fatalf("SubmitNoWait: %v", err)
	}
	if err := s.Wait(context.Background(), time.Minute, time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if s.State() != SliceStateStableOK {
		t.Errorf("state = %s, want StableOK", s.State())
	}
	if orch.SlicesCalls != 3 {
		t.Errorf("polls = %d, want 3", orch.SlicesCalls)
	}
	if len(*sleeps) != 1 {
		t.Errorf("sleeps = %d, want 1 (one non-terminal poll)", len(*sleeps))
	}
}

func TestWaitAggregatesFailures(t *testing.T) {
	orch := &testutil.FakeOrchestrator{
		CreateID: "SLICE-2",
		States:   []string{"Configuring", "StableError"},
		SliverList: []orchestrator.Sliver{
			{
				ID: "rsv-1", Name: "node1", Kind: orchestrator.SliverNode,
				Site: "RENC", State: "Failed",
				Notice: "Insufficient resources: no hosts available",
			},
			{
				ID: "rsv-2", Name: "node2", Kind: orchestrator.SliverNode,
				Site: "RENC", State: "Closed",
				Notice: "Reservation rsv-2 is in a terminal state",
			},
			{
				ID: "rsv-3", Name: "net1", Kind: orchestrator.SliverNetwork,
				State:  "Closed",
				Notice: "Closing reservation due to failure in slice",
			},
		},
	}
	mgr := newTestManager(t, orch, &testutil.FakeTransport{})
	s := mgr.NewSlice("wait-err")
	_, a := addBasicNode(t, s, "node1", "RENC")
	_, b := addBasicNode(t, s, "node2", "RENC")
	if _, err := s.AddL2Network("net1", []*Interface{a, b}, ""); err != nil {
		t.Fatal(err)
	}

	captureSleeps(t)

	if err := s.SubmitNoWait(context.Background()); err != nil {
		t.Fatalf("SubmitNoWait: %v", err)
	}
	err := s.Wait(context.Background(), time.Minute, time.Second)
	if err == nil {
		t.Fatal("expected failure")
	}
	msg := err.Error()
	if !strings.Contains(msg, "Insufficient resources") {
		t.Errorf("error should carry the root-cause notice: %v", err)
	}
	if strings.Contains(msg, "is in a terminal state") {
		t.Errorf("cascade notice not suppressed: %v", err)
	}
	if strings.Contains(msg, "Closing reservation due to failure in slice") {
		t.Errorf("cascade notice not suppressed: %v", err)
	}
}

func TestWaitTimesOut(t *testing.T) {
	orch := &testutil.FakeOrchestrator{
		CreateID: "SLICE-3",
		States:   []string{"Configuring"},
	}
	mgr := newTestManager(t, orch, &testutil.FakeTransport{})
	s := mgr.NewSlice("wait-slow")
	addBasicNode(t, s, "node1", "RENC")

	captureSleeps(t)

	if err := s.SubmitNoWait(context.Background()); err != nil {
		t.Fatalf("SubmitNoWait: %v", err)
	}
	err := s.Wait(context.Background(), time.Nanosecond, time.Second)
	if !errors.Is(err, util.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestTerminalStateDoesNotRevert(t *testing.T) {
	orch := &testutil.FakeOrchestrator{
		CreateID: "SLICE-4",
		States:   []string{"Dead", "Configuring"},
	}
	mgr := newTestManager(t, orch, &testutil.FakeTransport{})
	s := mgr.NewSlice("revert")
	addBasicNode(t, s, "node1", "RENC")

	if err := s.SubmitNoWait(context.Background()); err != nil {
		t.Fatalf("SubmitNoWait: %v", err)
	}
	if s.State() != SliceStateDead {
		t.Fatalf("state = %s, want Dead", s.State())
	}
	if err := s.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if s.State() != SliceStateDead {
		t.Errorf("terminal state reverted to %s", s.State())
	}
}

func TestManagementIPImmutable(t *testing.T) {
	orch := &testutil.FakeOrchestrator{
		CreateID: "SLICE-5",
		States:   []string{"Configuring"},
		SliverList: []orchestrator.Sliver{
			{ID: "rsv-1", Name: "node1", Kind: orchestrator.SliverNode,
				Site: "RENC", State: "Active", ManagementIP: "10.0.0.1"},
		},
	}
	mgr := newTestManager(t, orch, &testutil.FakeTransport{})
	s := mgr.NewSlice("mgmt-ip")
	addBasicNode(t, s, "node1", "RENC")

	if err := s.SubmitNoWait(context.Background()); err != nil {
		t.Fatalf("SubmitNoWait: %v", err)
	}
	node, err := s.GetNode("node1")
	if err != nil {
		t.Fatal(err)
	}
	if node.ManagementIP() != "10.0.0.1" {
		t.Fatalf("management IP = %q", node.ManagementIP())
	}

	orch.SliverList[0].ManagementIP = "10.9.9.9"
	if err := s.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if node.ManagementIP() != "10.0.0.1" {
		t.Errorf("management IP changed to %q after reassignment", node.ManagementIP())
	}
}

func TestGetObjectByReservation(t *testing.T) {
	orch := &testutil.FakeOrchestrator{
		CreateID: "SLICE-6",
		States:   []string{"StableOK"},
		SliverList: []orchestrator.Sliver{
			{ID: "rsv-node", Name: "node1", Kind: orchestrator.SliverNode, Site: "RENC", State: "Active"},
			{ID: "rsv-net", Name: "net1", Kind: orchestrator.SliverNetwork, State: "Active"},
		},
	}
	mgr := newTestManager(t, orch, &testutil.FakeTransport{})
	s := mgr.NewSlice("byres")
	_, a := addBasicNode(t, s, "node1", "RENC")
	if _, err := s.AddL2Network("net1", []*Interface{a}, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.SubmitNoWait(context.Background()); err != nil {
		t.Fatalf("SubmitNoWait: %v", err)
	}

	node, network, err := s.GetObjectByReservation("rsv-node")
	if err != nil || node == nil || network != nil {
		t.Errorf("rsv-node: node=%v network=%v err=%v", node, network, err)
	}
	node, network, err = s.GetObjectByReservation("rsv-net")
	if err != nil || node != nil || network == nil {
		t.Errorf("rsv-net: node=%v network=%v err=%v", node, network, err)
	}
	if _, _, err := s.GetObjectByReservation("rsv-nope"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestRenewAndDelete(t *testing.T) {
	orch := &testutil.FakeOrchestrator{
		CreateID: "SLICE-7",
		States:   []string{"StableOK"},
	}
	mgr := newTestManager(t, orch, &testutil.FakeTransport{})
	s := mgr.NewSlice("lease")
	addBasicNode(t, s, "node1", "RENC")

	end := time.Now().Add(14 * 24 * time.Hour).Truncate(time.Second)
	if err := s.Renew(context.Background(), end); err == nil {
		t.Error("renew before submit should fail")
	}

	if err := s.SubmitNoWait(context.Background()); err != nil {
		t.Fatalf("SubmitNoWait: %v", err)
	}
	if err := s.Renew(context.Background(), end); err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if !s.LeaseEnd().Equal(end) {
		t.Errorf("lease end = %v, want %v", s.LeaseEnd(), end)
	}

	if err := s.Delete(context.Background()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.State() != SliceStateDead {
		t.Errorf("state after delete = %s, want Dead", s.State())
	}
	if orch.DeleteCalls != 1 {
		t.Errorf("delete calls = %d, want 1", orch.DeleteCalls)
	}
}

// TestSubmitEndToEnd drives the full lifecycle against fakes: two nodes at
// one site joined by an inferred L2Bridge, immediate convergence, then
// post-boot configuration with the network-manager stops strictly before
// any link or address work.
func TestSubmitEndToEnd(t *testing.T) {
	dump := `[{"ifname":"eth0","address":"02:00:00:00:00:01"},{"ifname":"eth1","address":"02:00:00:00:00:02"}]`
	orch := &testutil.FakeOrchestrator{
		CreateID: "SLICE-E2E",
		States:   []string{"StableOK"},
		SliverList: []orchestrator.Sliver{
			{ID: "rsv-1", Name: "node1", Kind: orchestrator.SliverNode,
				Site: "RENC", State: "Active", ManagementIP: "10.0.0.1",
				Interfaces: []orchestrator.SliverInterface{
					{Name: "node1-nic1-p1", MAC: "02:00:00:00:00:01"},
				}},
			{ID: "rsv-2", Name: "node2", Kind: orchestrator.SliverNode,
				Site: "RENC", State: "Active", ManagementIP: "10.0.0.2",
				Interfaces: []orchestrator.SliverInterface{
					{Name: "node2-nic1-p1", MAC: "02:00:00:00:00:02"},
				}},
			{ID: "rsv-3", Name: "net1", Kind: orchestrator.SliverNetwork, State: "Active"},
		},
	}
	transport := &testutil.FakeTransport{
		Script: []testutil.ScriptEntry{
			{Substr: "ip -j addr list", Result: bastion.Result{Stdout: dump}},
		},
	}
	mgr := newTestManager(t, orch, transport)
	s := mgr.NewSlice("e2e")
	_, a := addBasicNode(t, s, "node1", "RENC")
	_, b := addBasicNode(t, s, "node2", "RENC")

	ns, err := s.AddL2Network("net1", []*Interface{a, b}, "")
	if err != nil {
		t.Fatalf("AddL2Network: %v", err)
	}
	if ns.Type() != NSTypeL2Bridge {
		t.Fatalf("inferred type = %s, want L2Bridge", ns.Type())
	}
	if err := ns.SetSubnet("192.168.1.0/24", "192.168.1.1"); err != nil {
		t.Fatal(err)
	}

	captureSleeps(t)

	if err := s.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if s.State() != SliceStateStableOK {
		t.Fatalf("state = %s, want StableOK", s.State())
	}

	commands := transport.Commands()
	if got := transport.CommandCount("systemctl stop NetworkManager"); got != 2 {
		t.Fatalf("network manager stopped on %d nodes, want 2", got)
	}

	lastStop := -1
	firstConfig := len(commands)
	for idx, cmd := range commands {
		switch {
		case strings.Contains(cmd, "systemctl stop NetworkManager"):
			if idx > lastStop {
				lastStop = idx
			}
		case strings.Contains(cmd, "ip link") || strings.Contains(cmd, "addr add"):
			if idx < firstConfig {
				firstConfig = idx
			}
		}
	}
	if firstConfig <= lastStop {
		t.Errorf("link/address work at index %d before last network manager stop at %d",
			firstConfig, lastStop)
	}

	// Both interfaces got toggled and addressed.
	if got := transport.CommandCount("addr add"); got != 2 {
		t.Errorf("addr add commands = %d, want 2", got)
	}
	if a.IP() == nil || b.IP() == nil {
		t.Error("auto mode should have addressed both interfaces")
	}
}

func TestL2STSScenarioRequiresDistinctHosts(t *testing.T) {
	mgr := newTestManager(t, &testutil.FakeOrchestrator{}, &testutil.FakeTransport{})
	s := mgr.NewSlice("sts")
	n1, a := addBasicNode(t, s, "node1", "RENC")
	n2, b := addBasicNode(t, s, "node2", "RENC")
	_, c := addBasicNode(t, s, "node3", "UKY")

	inferred, err := CalculateL2NSType([]*Interface{a, b, c})
	if err != nil {
		t.Fatalf("CalculateL2NSType: %v", err)
	}
	if inferred != NSTypeL2STS {
		t.Fatalf("inferred = %s, want L2STS", inferred)
	}

	_, err = s.AddL2Network("sts-net", []*Interface{a, b, c}, "")
	if err == nil {
		t.Fatal("expected validation failure without host bindings")
	}
	if !strings.Contains(err.Error(), "SetHost") {
		t.Errorf("error should instruct host binding: %v", err)
	}

	n1.SetHost("renc-w1.fabric-testbed.net")
	n2.SetHost("renc-w2.fabric-testbed.net")
	if _, err := s.AddL2Network("sts-net", []*Interface{a, b, c}, ""); err != nil {
		t.Fatalf("AddL2Network with distinct hosts: %v", err)
	}
}
