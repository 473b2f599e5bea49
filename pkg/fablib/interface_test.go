package fablib

import (
	"context"
	"strings"
	"testing"

	"github.com/fabric-testbed/fablib-go/internal/testutil"
	"github.com/fabric-testbed/fablib-go/pkg/bastion"
)

const addrDump = `[{"ifname":"eth0","address":"02:00:00:00:00:01"},{"ifname":"eth1","address":"02:00:00:00:00:02"}]`

// configFixture builds a one-node slice whose interface is attached to a
// network with a subnet, ready for post-boot configuration.
func configFixture(t *testing.T, transport *testutil.FakeTransport) (*Slice, *Interface) {
	t.Helper()
	mgr := newTestManager(t, &testutil.FakeOrchestrator{}, transport)
	s := mgr.NewSlice("config")
	node, ifc := addBasicNode(t, s, "node1", "RENC")
	node.inner.ManagementIP = "10.20.30.40"
	ifc.inner.Labels.MAC = "02:00:00:00:00:02"

	ns, err := s.AddL2Network("net1", []*Interface{ifc}, NSTypeL2Bridge)
	if err != nil {
		t.Fatalf("AddL2Network: %v", err)
	}
	if err := ns.SetSubnet("192.168.1.0/24", "192.168.1.1"); err != nil {
		t.Fatalf("SetSubnet: %v", err)
	}
	return s, ifc
}

func TestInterfaceConfigIdempotent(t *testing.T) {
	transport := &testutil.FakeTransport{
		Script: []testutil.ScriptEntry{
			{Substr: "ip -j addr list", Result: bastion.Result{Stdout: addrDump}},
		},
	}
	_, ifc := configFixture(t, transport)

	if err := ifc.Config(context.Background()); err != nil {
		t.Fatalf("Config: %v", err)
	}
	baseline := transport.CommandCount("addr add")
	if baseline != 1 {
		t.Fatalf("first config issued %d addr add commands, want 1", baseline)
	}
	if ifc.IP() == nil {
		t.Fatal("auto mode should have recorded an address")
	}

	if err := ifc.Config(context.Background()); err != nil {
		t.Fatalf("second Config: %v", err)
	}
	if got := transport.CommandCount("addr add"); got != baseline {
		t.Errorf("second config issued %d additional addr add commands", got-baseline)
	}
}

func TestInterfaceConfigModes(t *testing.T) {
	t.Run("manual issues no commands", func(t *testing.T) {
		transport := &testutil.FakeTransport{}
		_, ifc := configFixture(t, transport)
		if err := ifc.SetMode(ModeManual); err != nil {
			t.Fatal(err)
		}
		if err := ifc.Config(context.Background()); err != nil {
			t.Fatalf("Config: %v", err)
		}
		if got := len(transport.Commands()); got != 0 {
			t.Errorf("manual mode issued %d commands, want 0", got)
		}
	})

	t.Run("config applies the recorded address", func(t *testing.T) {
		transport := &testutil.FakeTransport{
			Script: []testutil.ScriptEntry{
				{Substr: "ip -j addr list", Result: bastion.Result{Stdout: addrDump}},
			},
		}
		_, ifc := configFixture(t, transport)
		if err := ifc.SetMode(ModeConfig); err != nil {
			t.Fatal(err)
		}
		if err := ifc.SetIP(mustIP(t, "192.168.1.50")); err != nil {
			t.Fatal(err)
		}
		if err := ifc.Config(context.Background()); err != nil {
			t.Fatalf("Config: %v", err)
		}
		found := false
		for _, cmd := range transport.Commands() {
			if strings.Contains(cmd, "addr add 192.168.1.50/24 dev eth1") {
				found = true
			}
		}
		if !found {
			t.Errorf("expected addr add for the recorded address, commands: %v", transport.Commands())
		}
	})

	t.Run("detached interface is a no-op", func(t *testing.T) {
		transport := &testutil.FakeTransport{}
		mgr := newTestManager(t, &testutil.FakeOrchestrator{}, transport)
		s := mgr.NewSlice("config")
		_, ifc := addBasicNode(t, s, "node1", "RENC")
		if err := ifc.Config(context.Background()); err != nil {
			t.Fatalf("Config: %v", err)
		}
		if got := len(transport.Commands()); got != 0 {
			t.Errorf("detached interface issued %d commands", got)
		}
	})
}

func TestDeviceNameVLAN(t *testing.T) {
	transport := &testutil.FakeTransport{
		Script: []testutil.ScriptEntry{
			{Substr: "ip -j addr list", Result: bastion.Result{Stdout: addrDump}},
		},
	}
	_, ifc := configFixture(t, transport)
	if err := ifc.SetVLAN("200"); err != nil {
		t.Fatal(err)
	}

	dev, err := ifc.DeviceName(context.Background())
	if err != nil {
		t.Fatalf("DeviceName: %v", err)
	}
	if dev != "eth1.200" {
		t.Errorf("DeviceName = %q, want eth1.200", dev)
	}

	base, err := ifc.BaseDeviceName(context.Background())
	if err != nil {
		t.Fatalf("BaseDeviceName: %v", err)
	}
	if base != "eth1" {
		t.Errorf("BaseDeviceName = %q, want eth1", base)
	}

	// Names are cached; no further addr list fetches.
	if _, err := ifc.DeviceName(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := transport.CommandCount("ip -j addr list"); got != 1 {
		t.Errorf("addr list fetched %d times, want 1", got)
	}
}

func TestInterfaceNameDerivation(t *testing.T) {
	mgr := newTestManager(t, &testutil.FakeOrchestrator{}, &testutil.FakeTransport{})
	s := mgr.NewSlice("names")
	_, ifaces := addSmartNode(t, s, "node1", "RENC")

	want := []string{"node1-nic1-p1", "node1-nic1-p2"}
	if len(ifaces) != len(want) {
		t.Fatalf("got %d interfaces, want %d", len(ifaces), len(want))
	}
	for i, ifc := range ifaces {
		if ifc.Name() != want[i] {
			t.Errorf("interface %d = %q, want %q", i, ifc.Name(), want[i])
		}
	}
}

func TestInterfaceBandwidth(t *testing.T) {
	mgr := newTestManager(t, &testutil.FakeOrchestrator{}, &testutil.FakeTransport{})
	s := mgr.NewSlice("bw")
	_, shared := addBasicNode(t, s, "node1", "RENC")
	_, smart := addSmartNode(t, s, "node2", "RENC")

	if got := shared.Bandwidth(); got != 100 {
		t.Errorf("shared NIC bandwidth = %d, want fixed 100", got)
	}
	smart[0].inner.Capacities.BW = 25
	if got := smart[0].Bandwidth(); got != 25 {
		t.Errorf("dedicated NIC bandwidth = %d, want allocated 25", got)
	}
}
