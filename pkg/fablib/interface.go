package fablib

import (
	"context"
	"fmt"
	"net"

	"github.com/fabric-testbed/fablib-go/pkg/topology"
	"github.com/fabric-testbed/fablib-go/pkg/util"
)

// userDataKey is the side-channel slot on graph interfaces where this
// library keeps its own bookkeeping. The orchestrator stores it verbatim.
const userDataKey = "fablib_data"

// fablibData is the per-interface bookkeeping kept in the side channel:
// the addressing mode, any assigned address, whether post-boot
// configuration already ran, and the resolved OS device names.
type fablibData struct {
	Mode       InterfaceMode `json:"mode,omitempty"`
	Addr       string        `json:"addr,omitempty"`
	Configured bool          `json:"configured,omitempty"`
	Dev        string        `json:"dev,omitempty"`
	BaseDev    string        `json:"base_dev,omitempty"`
}

// Interface is a network attachment point on a node component.
type Interface struct {
	slice *Slice
	inner *topology.Interface
}

// Name returns the interface name, derived from node, component and port.
func (i *Interface) Name() string { return i.inner.Name }

// Node returns the owning node.
func (i *Interface) Node() *Node {
	tn := i.inner.Node()
	if tn == nil {
		return nil
	}
	return &Node{slice: i.slice, inner: tn}
}

// Site returns the site of the owning node.
func (i *Interface) Site() string {
	if tn := i.inner.Node(); tn != nil {
		return tn.Site
	}
	return ""
}

// MAC returns the hardware address assigned post-provisioning.
func (i *Interface) MAC() string { return i.inner.Labels.MAC }

// VLAN returns the interface's VLAN tag, empty if untagged.
func (i *Interface) VLAN() string { return i.inner.Labels.VLAN }

// SetVLAN sets the VLAN tag. Tags are mutable only before submission or
// through explicit reconfiguration.
func (i *Interface) SetVLAN(vlan string) error {
	i.inner.Labels.VLAN = vlan
	return nil
}

// Bandwidth returns the interface bandwidth in Gbps. Shared NICs are fixed
// at 100; dedicated NICs report the remotely allocated capacity.
func (i *Interface) Bandwidth() int64 {
	if i.SharedNIC() {
		return 100
	}
	return i.inner.Capacities.BW
}

// SharedNIC reports whether the owning component is a shared (basic) NIC.
func (i *Interface) SharedNIC() bool {
	c := i.inner.Component()
	return c != nil && c.Type == "SharedNIC"
}

// FacilityPort reports whether the interface terminates an external
// facility circuit rather than a NIC.
func (i *Interface) FacilityPort() bool {
	c := i.inner.Component()
	return c != nil && c.Type == "FacilityPort"
}

// Mode returns the addressing mode, defaulting to auto when never set.
func (i *Interface) Mode() InterfaceMode {
	data, err := i.data()
	if err != nil || data.Mode == "" {
		return ModeAuto
	}
	return data.Mode
}

// SetMode sets the addressing mode.
func (i *Interface) SetMode(mode InterfaceMode) error {
	data, err := i.data()
	if err != nil {
		return err
	}
	data.Mode = mode
	return i.setData(data)
}

// IP returns the address recorded for this interface, nil if none.
func (i *Interface) IP() net.IP {
	data, err := i.data()
	if err != nil || data.Addr == "" {
		return nil
	}
	return net.ParseIP(data.Addr)
}

// SetIP records an address for the interface. With mode config, post-boot
// configuration applies it to the OS device.
func (i *Interface) SetIP(ip net.IP) error {
	data, err := i.data()
	if err != nil {
		return err
	}
	data.Addr = ip.String()
	return i.setData(data)
}

// Network returns the network service this interface belongs to, or nil.
// Membership is looked up by scanning the slice's services.
func (i *Interface) Network() *NetworkService {
	svc := i.slice.topo.ServiceFor(i.inner.Name)
	if svc == nil {
		return nil
	}
	return i.slice.wrapNetwork(svc)
}

// SetNetwork moves the interface into the given network, detaching it from
// its current one. An interface belongs to at most one network at a time.
func (i *Interface) SetNetwork(ns *NetworkService) {
	ns.AddInterface(i)
}

// ============================================================
// Device naming and post-boot configuration
// ============================================================

// BaseDeviceName resolves the physical OS device name for this interface
// by matching the interface MAC against the node's live address dump. The
// result is cached in the side channel; it is stable for the life of the
// reservation.
func (i *Interface) BaseDeviceName(ctx context.Context) (string, error) {
	data, err := i.data()
	if err != nil {
		return "", err
	}
	if data.BaseDev != "" {
		return data.BaseDev, nil
	}

	node := i.Node()
	if node == nil {
		return "", fmt.Errorf("interface %s has no node", i.inner.Name)
	}
	if i.MAC() == "" {
		return "", fmt.Errorf("interface %s: %w: no MAC assigned", i.inner.Name, util.ErrNotProvisioned)
	}
	dev, err := node.DeviceByMAC(ctx, i.MAC())
	if err != nil {
		return "", err
	}

	data.BaseDev = dev
	if err := i.setData(data); err != nil {
		return "", err
	}
	return dev, nil
}

// DeviceName resolves the OS device name commands should target: the
// physical device, or its tagged sub-interface when a VLAN is set.
func (i *Interface) DeviceName(ctx context.Context) (string, error) {
	data, err := i.data()
	if err != nil {
		return "", err
	}
	if data.Dev != "" {
		return data.Dev, nil
	}

	base, err := i.BaseDeviceName(ctx)
	if err != nil {
		return "", err
	}
	dev := base
	if vlan := i.VLAN(); vlan != "" {
		dev = fmt.Sprintf("%s.%s", base, vlan)
	}

	data, err = i.data()
	if err != nil {
		return "", err
	}
	data.Dev = dev
	if err := i.setData(data); err != nil {
		return "", err
	}
	return dev, nil
}

// Config is the idempotent post-boot configuration entrypoint for one
// interface. It is a no-op when the interface has no network or was already
// configured. In auto mode it allocates an address from the network's
// subnet; in auto and config modes it applies the recorded address to the
// OS device. Manual mode leaves addressing to the experimenter.
func (i *Interface) Config(ctx context.Context) error {
	log := util.WithNode(i.nodeName()).WithField("interface", i.inner.Name)

	network := i.Network()
	if network == nil {
		log.Debug("skipping config: interface not attached to a network")
		return nil
	}
	data, err := i.data()
	if err != nil {
		return err
	}
	if data.Configured {
		log.Debug("skipping config: already configured")
		return nil
	}
	data.Configured = true
	if err := i.setData(data); err != nil {
		return err
	}

	mode := i.Mode()
	if mode == ModeManual {
		log.Debug("manual mode, leaving addressing to the experimenter")
		return nil
	}

	if mode == ModeAuto {
		ip, err := network.AllocateIP()
		if err != nil {
			return fmt.Errorf("interface %s: %w", i.inner.Name, err)
		}
		if err := i.SetIP(ip); err != nil {
			return err
		}
		log.Debugf("allocated %s", ip)
	}

	addr := i.IP()
	if addr == nil {
		return fmt.Errorf("interface %s: mode %s but no address recorded", i.inner.Name, mode)
	}
	prefixLen, ok := network.PrefixLen()
	if !ok {
		return fmt.Errorf("interface %s: %w: network %s has no subnet", i.inner.Name, util.ErrNotProvisioned, network.Name())
	}

	node := i.Node()
	if node == nil {
		return fmt.Errorf("interface %s has no node", i.inner.Name)
	}
	dev, err := i.DeviceName(ctx)
	if err != nil {
		return err
	}
	return node.IPAddrAdd(ctx, dev, addr, prefixLen, network)
}

// NeedsVLANDevice reports whether post-boot configuration must create a
// tagged sub-interface for this interface.
func (i *Interface) NeedsVLANDevice() bool {
	return i.VLAN() != ""
}

func (i *Interface) nodeName() string {
	if tn := i.inner.Node(); tn != nil {
		return tn.Name
	}
	return ""
}

func (i *Interface) data() (*fablibData, error) {
	var data fablibData
	if _, err := i.inner.GetUserData(userDataKey, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

func (i *Interface) setData(data *fablibData) error {
	return i.inner.SetUserData(userDataKey, data)
}
