package fablib

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/fabric-testbed/fablib-go/pkg/topology"
	"github.com/fabric-testbed/fablib-go/pkg/util"
)

// defaultPTPVLAN is applied to both ends of a point-to-point circuit when
// neither end has a VLAN set, so the endpoints agree.
const defaultPTPVLAN = "100"

// NetworkService is an L2 circuit or L3 routed network within a slice.
type NetworkService struct {
	slice *Slice
	inner *topology.NetworkService

	// allocator hands out successive addresses for auto-mode interfaces.
	// Guarded by allocMu: interfaces on one network are configured
	// concurrently during post-boot.
	allocMu   sync.Mutex
	allocator *util.IPIterator
}

// Name returns the network service name.
func (ns *NetworkService) Name() string { return ns.inner.Name }

// Type returns the service type.
func (ns *NetworkService) Type() NSType { return NSType(ns.inner.Type) }

// Layer returns the network layer.
func (ns *NetworkService) Layer() NSLayer { return NSLayer(ns.inner.Layer) }

// State returns the reservation state of the network sliver.
func (ns *NetworkService) State() ReservationState {
	if ns.inner.Reservation.State == "" {
		return ReservationUnknown
	}
	return ReservationState(ns.inner.Reservation.State)
}

// Interfaces returns the member interfaces, sorted by name.
func (ns *NetworkService) Interfaces() []*Interface {
	var out []*Interface
	for _, name := range ns.inner.InterfaceNames {
		ifc, err := ns.slice.topo.GetInterface(name)
		if err != nil {
			util.WithSlice(ns.slice.name).Warnf("network %s references missing interface %s", ns.inner.Name, name)
			continue
		}
		out = append(out, &Interface{slice: ns.slice, inner: ifc})
	}
	return out
}

// Sites returns the distinct sites spanned by the member interfaces.
func (ns *NetworkService) Sites() []string {
	return distinctSites(ns.Interfaces())
}

// AddInterface moves an interface into this network, detaching it from any
// network it currently belongs to.
func (ns *NetworkService) AddInterface(ifc *Interface) {
	for _, svc := range ns.slice.topo.Services {
		svc.RemoveInterface(ifc.Name())
	}
	ns.inner.AddInterface(ifc.Name())
}

// RemoveInterface detaches an interface from this network.
func (ns *NetworkService) RemoveInterface(ifc *Interface) {
	ns.inner.RemoveInterface(ifc.Name())
}

// Gateway returns the network's assigned gateway address. The assignment is
// made remotely for L3 networks; absence is a valid pre-provisioning state,
// so a missing gateway logs a warning and reports false rather than failing.
func (ns *NetworkService) Gateway() (net.IP, bool) {
	raw := ns.inner.Labels.IPv4Gateway
	if ns.Type().IPv6() {
		raw = ns.inner.Labels.IPv6Gateway
	}
	if raw == "" {
		util.WithSlice(ns.slice.name).Warnf("network %s has no gateway assigned yet", ns.inner.Name)
		return nil, false
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		util.WithSlice(ns.slice.name).Warnf("network %s has unparsable gateway %q", ns.inner.Name, raw)
		return nil, false
	}
	return ip, true
}

// Subnet returns the network's assigned subnet, with the same soft-failure
// contract as Gateway.
func (ns *NetworkService) Subnet() (*net.IPNet, bool) {
	raw := ns.inner.Labels.IPv4Subnet
	if ns.Type().IPv6() {
		raw = ns.inner.Labels.IPv6Subnet
	}
	if raw == "" {
		util.WithSlice(ns.slice.name).Warnf("network %s has no subnet assigned yet", ns.inner.Name)
		return nil, false
	}
	_, subnet, err := net.ParseCIDR(raw)
	if err != nil {
		util.WithSlice(ns.slice.name).Warnf("network %s has unparsable subnet %q: %v", ns.inner.Name, raw, err)
		return nil, false
	}
	return subnet, true
}

// SetSubnet records addressing for the network locally. L3 networks get
// their subnet and gateway from the orchestrator; on L2 circuits the
// experimenter assigns them.
func (ns *NetworkService) SetSubnet(cidr, gateway string) error {
	if _, _, err := net.ParseCIDR(cidr); err != nil {
		return fmt.Errorf("network %s: bad subnet %q: %w", ns.inner.Name, cidr, err)
	}
	if net.ParseIP(gateway) == nil {
		return fmt.Errorf("network %s: bad gateway %q", ns.inner.Name, gateway)
	}
	if ns.Type().IPv6() || util.FamilyOf(gateway) == util.AddrIPv6 {
		ns.inner.Labels.IPv6Subnet = cidr
		ns.inner.Labels.IPv6Gateway = gateway
	} else {
		ns.inner.Labels.IPv4Subnet = cidr
		ns.inner.Labels.IPv4Gateway = gateway
	}
	ns.allocMu.Lock()
	ns.allocator = nil
	ns.allocMu.Unlock()
	return nil
}

// AvailableIPs returns a fresh bounded iterator over successor addresses of
// the gateway within the subnet. The sequence is lazy and restartable.
func (ns *NetworkService) AvailableIPs(maxCount int) (*util.IPIterator, error) {
	gw, ok := ns.Gateway()
	if !ok {
		return nil, fmt.Errorf("network %s: %w: no gateway assigned", ns.inner.Name, util.ErrNotProvisioned)
	}
	subnet, ok := ns.Subnet()
	if !ok {
		return nil, fmt.Errorf("network %s: %w: no subnet assigned", ns.inner.Name, util.ErrNotProvisioned)
	}
	return util.NewIPIterator(gw, subnet, maxCount), nil
}

// AllocateIP hands out the next unassigned address after the gateway.
// Allocations are tracked per NetworkService instance and are safe to make
// from concurrent interface configuration.
func (ns *NetworkService) AllocateIP() (net.IP, error) {
	ns.allocMu.Lock()
	defer ns.allocMu.Unlock()
	if ns.allocator == nil {
		iter, err := ns.AvailableIPs(0)
		if err != nil {
			return nil, err
		}
		ns.allocator = iter
	}
	ip, ok := ns.allocator.Next()
	if !ok {
		return nil, fmt.Errorf("network %s: subnet exhausted", ns.inner.Name)
	}
	return ip, nil
}

// PrefixLen returns the subnet prefix length for address configuration.
func (ns *NetworkService) PrefixLen() (int, bool) {
	subnet, ok := ns.Subnet()
	if !ok {
		return 0, false
	}
	ones, _ := subnet.Mask.Size()
	return ones, true
}

// ============================================================
// Service type inference and validation
// ============================================================

// CalculateL2NSType infers the L2 service type implied by an interface set.
//
// One distinct site means a local bridge. Two sites with a facility port
// must be point-to-point, since external circuits cannot terminate on a
// site-to-site service; two sites without one become site-to-site when at
// least two interfaces exist. Anything else cannot be expressed as a
// single L2 service.
func CalculateL2NSType(interfaces []*Interface) (NSType, error) {
	if len(interfaces) == 0 {
		return "", fmt.Errorf("%w: no interfaces given", util.ErrInvalidNetworkRequest)
	}
	sites := distinctSites(interfaces)
	facility := false
	for _, ifc := range interfaces {
		if ifc.FacilityPort() {
			facility = true
			break
		}
	}

	switch {
	case len(sites) == 1:
		return NSTypeL2Bridge, nil
	case len(sites) == 2 && facility:
		return NSTypeL2PTP, nil
	case len(sites) == 2 && len(interfaces) >= 2:
		return NSTypeL2STS, nil
	case len(sites) == 2:
		return "", fmt.Errorf("%w: a site-to-site service needs at least 2 interfaces, got %d",
			util.ErrInvalidNetworkRequest, len(interfaces))
	case len(sites) == 0:
		return "", fmt.Errorf("%w: interfaces are not bound to any site",
			util.ErrInvalidNetworkRequest)
	default:
		return "", fmt.Errorf("%w: networks are limited to 2 unique sites, got %d (%v)",
			util.ErrInvalidNetworkRequest, len(sites), sites)
	}
}

// ValidateNSType checks an interface set against the constraints of an L2
// service type. All violations are accumulated so the caller sees the
// complete problem set in one pass.
func ValidateNSType(nstype NSType, interfaces []*Interface) error {
	sites := distinctSites(interfaces)
	var v util.ValidationBuilder

	switch nstype {
	case NSTypeL2Bridge:
		v.Add(len(sites) == 1,
			fmt.Sprintf("L2Bridge requires all interfaces on exactly 1 site, got %d (%v)", len(sites), sites))

	case NSTypeL2PTP:
		v.Add(len(sites) == 2,
			fmt.Sprintf("L2PTP requires interfaces on exactly 2 sites, got %d (%v)", len(sites), sites))
		for _, ifc := range interfaces {
			if ifc.SharedNIC() {
				v.AddErrorf("L2PTP does not support shared NICs: interface %s is on a NIC_Basic component", ifc.Name())
			}
		}

	case NSTypeL2STS:
		v.Add(len(sites) == 2,
			fmt.Sprintf("L2STS requires interfaces on exactly 2 sites, got %d (%v)", len(sites), sites))
		validateSTSHostBindings(&v, interfaces)

	default:
		v.AddErrorf("unknown L2 service type '%s'", nstype)
	}

	if v.HasErrors() {
		return fmt.Errorf("%w: %w", util.ErrInvalidNetworkRequest, v.Build())
	}
	return nil
}

// validateSTSHostBindings enforces that shared NICs joining a site-to-site
// service from the same site land on distinct physical hosts. Shared NIC
// ports on one host collapse onto the same physical device, which the
// dataplane cannot attach twice to one service.
func validateSTSHostBindings(v *util.ValidationBuilder, interfaces []*Interface) {
	bySite := make(map[string][]*Interface)
	for _, ifc := range interfaces {
		if !ifc.SharedNIC() {
			continue
		}
		site := ifc.Site()
		bySite[site] = append(bySite[site], ifc)
	}
	for site, shared := range bySite {
		if len(shared) < 2 {
			continue
		}
		hosts := make(map[string][]string)
		for _, ifc := range shared {
			node := ifc.Node()
			host := ""
			if node != nil {
				host = node.Host()
			}
			hosts[host] = append(hosts[host], ifc.Name())
		}
		for host, names := range hosts {
			if len(names) < 2 {
				continue
			}
			if host == "" {
				v.AddErrorf("L2STS: multiple shared NICs on site %s without host bindings (%v); set an explicit distinct host on each node with SetHost", site, names)
			} else {
				v.AddErrorf("L2STS: shared NICs %v on site %s are bound to the same host '%s'", names, site, host)
			}
		}
	}
}

// distinctSites returns the sorted set of sites the interfaces span.
func distinctSites(interfaces []*Interface) []string {
	seen := make(map[string]struct{})
	for _, ifc := range interfaces {
		site := ifc.Site()
		if site == "" {
			continue
		}
		seen[site] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// applyPTPVLANs makes the two ends of a point-to-point circuit agree on a
// VLAN: both unset gets the shared default, one set mirrors to the other.
func applyPTPVLANs(interfaces []*Interface) error {
	var set []*Interface
	for _, ifc := range interfaces {
		if ifc.VLAN() != "" {
			set = append(set, ifc)
		}
	}
	switch len(set) {
	case 0:
		for _, ifc := range interfaces {
			if err := ifc.SetVLAN(defaultPTPVLAN); err != nil {
				return err
			}
		}
	case 1:
		vlan := set[0].VLAN()
		for _, ifc := range interfaces {
			if ifc.VLAN() == "" {
				if err := ifc.SetVLAN(vlan); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
