package fablib

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fabric-testbed/fablib-go/internal/testutil"
	"github.com/fabric-testbed/fablib-go/pkg/bastion"
)

func TestExecuteRetrySucceedsOnThirdAttempt(t *testing.T) {
	transport := &testutil.FakeTransport{
		FailConnects: 2,
		Script: []testutil.ScriptEntry{
			{Substr: "hostname", Result: bastion.Result{Stdout: "node1.example.net\n"}},
		},
	}
	mgr := newTestManager(t, &testutil.FakeOrchestrator{}, transport)
	s := mgr.NewSlice("retry")
	node, _ := addBasicNode(t, s, "node1", "RENC")
	node.inner.ManagementIP = "10.20.30.40"

	sleeps := captureSleeps(t)
	interval := 7 * time.Second

	result, err := node.ExecuteWith(context.Background(), "hostname",
		ExecuteOptions{Retry: 3, RetryInterval: interval, Quiet: true})
	if err != nil {
		t.Fatalf("ExecuteWith: %v", err)
	}
	if result.Stdout != "node1.example.net\n" {
		t.Errorf("stdout = %q", result.Stdout)
	}

	if len(*sleeps) != 2 {
		t.Fatalf("sleeps = %d, want 2", len(*sleeps))
	}
	for _, d := range *sleeps {
		if d != interval {
			t.Errorf("sleep = %s, want %s", d, interval)
		}
	}
	if transport.ConnectCalls != 3 {
		t.Errorf("connects = %d, want 3", transport.ConnectCalls)
	}
	established := transport.ConnectCalls - transport.FailConnects
	if transport.CloseCalls != established {
		t.Errorf("closes = %d, want %d (one per established connection)",
			transport.CloseCalls, established)
	}
}

func TestExecuteExhaustedReturnsLastError(t *testing.T) {
	transport := &testutil.FakeTransport{FailConnects: 3}
	mgr := newTestManager(t, &testutil.FakeOrchestrator{}, transport)
	s := mgr.NewSlice("retry")
	node, _ := addBasicNode(t, s, "node1", "RENC")
	node.inner.ManagementIP = "10.20.30.40"

	sleeps := captureSleeps(t)

	_, err := node.ExecuteWith(context.Background(), "hostname",
		ExecuteOptions{Retry: 3, RetryInterval: time.Second, Quiet: true})
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	// The last underlying error comes back as-is.
	if !strings.Contains(err.Error(), "connect to 10.20.30.40 refused") {
		t.Errorf("error = %v, want the transport's own message", err)
	}
	if len(*sleeps) != 2 {
		t.Errorf("sleeps = %d, want 2", len(*sleeps))
	}
	if transport.CloseCalls != 0 {
		t.Errorf("closes = %d, want 0 (no connection was established)", transport.CloseCalls)
	}
}

func TestExecuteInvalidManagementIPFailsFast(t *testing.T) {
	transport := &testutil.FakeTransport{}
	mgr := newTestManager(t, &testutil.FakeOrchestrator{}, transport)
	s := mgr.NewSlice("retry")
	node, _ := addBasicNode(t, s, "node1", "RENC")
	node.inner.ManagementIP = "not-an-address"

	sleeps := captureSleeps(t)

	_, err := node.Execute(context.Background(), "hostname")
	if err == nil || !strings.Contains(err.Error(), "not a valid address") {
		t.Fatalf("expected address validation error, got %v", err)
	}
	if transport.ConnectCalls != 0 {
		t.Errorf("connects = %d, want 0 (no dialing for an invalid address)", transport.ConnectCalls)
	}
	if len(*sleeps) != 0 {
		t.Errorf("sleeps = %d, want 0 (no retry)", len(*sleeps))
	}
}

func TestExecuteNoManagementIP(t *testing.T) {
	transport := &testutil.FakeTransport{}
	mgr := newTestManager(t, &testutil.FakeOrchestrator{}, transport)
	s := mgr.NewSlice("retry")
	node, _ := addBasicNode(t, s, "node1", "RENC")

	if _, err := node.Execute(context.Background(), "hostname"); err == nil {
		t.Fatal("expected error for unprovisioned node")
	}
	if transport.ConnectCalls != 0 {
		t.Errorf("connects = %d, want 0", transport.ConnectCalls)
	}
}

func TestDeviceByMAC(t *testing.T) {
	dump := `[{"ifname":"eth0","address":"02:aa:aa:aa:aa:aa"},{"ifname":"eth1","address":"02:bb:bb:bb:bb:bb"}]`
	transport := &testutil.FakeTransport{
		Script: []testutil.ScriptEntry{
			{Substr: "ip -j addr list", Result: bastion.Result{Stdout: dump}},
		},
	}
	mgr := newTestManager(t, &testutil.FakeOrchestrator{}, transport)
	s := mgr.NewSlice("devname")
	node, _ := addBasicNode(t, s, "node1", "RENC")
	node.inner.ManagementIP = "10.20.30.40"

	dev, err := node.DeviceByMAC(context.Background(), "02:bb:bb:bb:bb:bb")
	if err != nil {
		t.Fatalf("DeviceByMAC: %v", err)
	}
	if dev != "eth1" {
		t.Errorf("dev = %q, want eth1", dev)
	}

	// Second resolution hits the cached dump.
	if _, err := node.DeviceByMAC(context.Background(), "02:aa:aa:aa:aa:aa"); err != nil {
		t.Fatalf("DeviceByMAC: %v", err)
	}
	if got := transport.CommandCount("ip -j addr list"); got != 1 {
		t.Errorf("addr list fetched %d times, want 1 (cached)", got)
	}

	if _, err := node.DeviceByMAC(context.Background(), "02:cc:cc:cc:cc:cc"); err == nil {
		t.Error("expected error for unknown MAC")
	}
}

func TestIPCommandSelection(t *testing.T) {
	mgr := newTestManager(t, &testutil.FakeOrchestrator{}, &testutil.FakeTransport{})
	s := mgr.NewSlice("ipcmd")
	_, a := addBasicNode(t, s, "node1", "RENC")

	v4, err := s.AddL3Network("fabnet4", []*Interface{a}, NSTypeFABNetv4)
	if err != nil {
		t.Fatalf("AddL3Network: %v", err)
	}
	if got := ipCommand(v4); got != "ip" {
		t.Errorf("ipCommand(FABNetv4) = %q, want ip", got)
	}

	s2 := mgr.NewSlice("ipcmd6")
	_, b := addBasicNode(t, s2, "node1", "RENC")
	v6, err := s2.AddL3Network("fabnet6", []*Interface{b}, NSTypeFABNetv6)
	if err != nil {
		t.Fatalf("AddL3Network: %v", err)
	}
	if got := ipCommand(v6); got != "ip -6" {
		t.Errorf("ipCommand(FABNetv6) = %q, want ip -6", got)
	}

	if got := ipCommand(nil); got != "ip" {
		t.Errorf("ipCommand(nil) = %q, want ip", got)
	}
}

func TestAddComponentCatalog(t *testing.T) {
	mgr := newTestManager(t, &testutil.FakeOrchestrator{}, &testutil.FakeTransport{})
	s := mgr.NewSlice("catalog")
	node, err := s.AddNode("node1", "RENC")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		model ComponentModel
		ports int
		ctype string
	}{
		{ComponentNICBasic, 1, "SharedNIC"},
		{ComponentNICConnectX5, 2, "SmartNIC"},
		{ComponentNICConnectX6, 2, "SmartNIC"},
		{ComponentGPUA30, 0, "GPU"},
		{ComponentNVMEP4510, 0, "NVME"},
		{ComponentFPGAXilinxU280, 0, "FPGA"},
	}
	for i, tc := range tests {
		name := string(rune('a'+i)) + "dev"
		comp, err := node.AddComponent(tc.model, name)
		if err != nil {
			t.Fatalf("AddComponent(%s): %v", tc.model, err)
		}
		if comp.Type() != tc.ctype {
			t.Errorf("%s: type = %q, want %q", tc.model, comp.Type(), tc.ctype)
		}
		if got := len(comp.Interfaces()); got != tc.ports {
			t.Errorf("%s: ports = %d, want %d", tc.model, got, tc.ports)
		}
	}

	if _, err := node.AddComponent("NIC_Unobtainium", "bad"); err == nil {
		t.Error("expected error for unknown model")
	}
}

func TestAddStorage(t *testing.T) {
	mgr := newTestManager(t, &testutil.FakeOrchestrator{}, &testutil.FakeTransport{})
	s := mgr.NewSlice("storage")
	node, err := s.AddNode("node1", "RENC")
	if err != nil {
		t.Fatal(err)
	}

	vol, err := node.AddStorage("exp-volume", true)
	if err != nil {
		t.Fatalf("AddStorage: %v", err)
	}
	if !vol.Storage() {
		t.Errorf("type = %q, want Storage", vol.Type())
	}
	if vol.Model() != "NAS" {
		t.Errorf("model = %q, want NAS", vol.Model())
	}
	if !vol.AutoMount() {
		t.Error("AutoMount not recorded")
	}
	if got := len(vol.Interfaces()); got != 0 {
		t.Errorf("storage has %d interfaces, want 0", got)
	}

	comp, err := node.GetComponent("exp-volume")
	if err != nil {
		t.Fatalf("GetComponent: %v", err)
	}
	if comp.Name() != "exp-volume" {
		t.Errorf("name = %q, want exp-volume", comp.Name())
	}

	if _, err := node.AddStorage("exp-volume", false); err == nil {
		t.Error("expected error for duplicate volume name")
	}
}
