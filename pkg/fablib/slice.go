package fablib

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fabric-testbed/fablib-go/pkg/orchestrator"
	"github.com/fabric-testbed/fablib-go/pkg/topology"
	"github.com/fabric-testbed/fablib-go/pkg/util"
)

const (
	defaultWaitTimeout  = 360 * time.Second
	defaultWaitInterval = 10 * time.Second

	// Notices matching these patterns are symptoms of another resource's
	// primary failure and are suppressed from aggregated error reports.
	// The patterns track the orchestrator's current notice vocabulary and
	// are not assumed exhaustive.
	cascadeNoticeClosing  = "Closing reservation due to failure in slice"
	cascadeNoticeTerminal = "is in a terminal state"
)

// Slice is a user's reserved set of compute and network resources, with a
// single lifecycle and remote identity. The topology is built and owned
// locally until Submit; afterwards the orchestrator is the source of truth
// and local state is refreshed from it.
type Slice struct {
	mgr   *Manager
	name  string
	id    string
	state SliceState
	topo  *topology.Topology

	leaseEnd time.Time

	mu        sync.Mutex
	networks  map[string]*NetworkService
	tunnels   map[string][]*nodeTunnel
	addrDumps map[string]interface{}
}

// Name returns the slice name.
func (s *Slice) Name() string { return s.name }

// ID returns the remote slice identifier, empty before submission.
func (s *Slice) ID() string { return s.id }

// State returns the last known slice state.
func (s *Slice) State() SliceState { return s.state }

// LeaseEnd returns the slice lease expiry, zero if unknown.
func (s *Slice) LeaseEnd() time.Time { return s.leaseEnd }

// ============================================================
// Topology building
// ============================================================

// AddNode adds a compute node with default capacities and image.
func (s *Slice) AddNode(name, site string) (*Node, error) {
	inner, err := s.topo.AddNode(name, site)
	if err != nil {
		return nil, err
	}
	inner.Capacities = topology.Capacities{Cores: 2, RAM: 8, Disk: 10}
	inner.Image = "default_rocky_8"
	inner.ImageType = "qcow2"
	return &Node{slice: s, inner: inner}, nil
}

// GetNode returns a node by name.
func (s *Slice) GetNode(name string) (*Node, error) {
	inner, err := s.topo.GetNode(name)
	if err != nil {
		return nil, err
	}
	return &Node{slice: s, inner: inner}, nil
}

// Nodes returns the slice's nodes, sorted by name. Facility ports are not
// included.
func (s *Slice) Nodes() []*Node {
	var out []*Node
	for _, inner := range s.topo.Nodes {
		if isFacilityNode(inner) {
			continue
		}
		out = append(out, &Node{slice: s, inner: inner})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// RemoveNode removes a node, detaching its interfaces from any network.
func (s *Slice) RemoveNode(name string) error {
	return s.topo.RemoveNode(name)
}

// AddFacilityPort attaches an external facility circuit as a connectable
// interface with a fixed VLAN.
func (s *Slice) AddFacilityPort(name, site, vlan string) (*Interface, error) {
	inner, err := s.topo.AddNode(name, site)
	if err != nil {
		return nil, err
	}
	comp, err := inner.AddComponent(name, "Facility", "FacilityPort", 1)
	if err != nil {
		return nil, err
	}
	var ifc *topology.Interface
	for _, i := range comp.Interfaces {
		ifc = i
	}
	ifc.Labels.VLAN = vlan
	return &Interface{slice: s, inner: ifc}, nil
}

// Interfaces returns every interface in the slice, sorted by name.
func (s *Slice) Interfaces() []*Interface {
	var out []*Interface
	for _, inner := range s.topo.Interfaces() {
		out = append(out, &Interface{slice: s, inner: inner})
	}
	return out
}

// GetInterface finds an interface anywhere in the slice by name.
func (s *Slice) GetInterface(name string) (*Interface, error) {
	inner, err := s.topo.GetInterface(name)
	if err != nil {
		return nil, err
	}
	return &Interface{slice: s, inner: inner}, nil
}

// AddL2Network creates an L2 network service over the given interfaces.
// With nstype empty the type is inferred from the interface set; either
// way the chosen type is validated against the set before the service is
// added. For point-to-point circuits the two ends are made to agree on a
// VLAN.
func (s *Slice) AddL2Network(name string, interfaces []*Interface, nstype NSType) (*NetworkService, error) {
	if nstype == "" {
		inferred, err := CalculateL2NSType(interfaces)
		if err != nil {
			return nil, err
		}
		nstype = inferred
	}
	if err := ValidateNSType(nstype, interfaces); err != nil {
		return nil, err
	}
	if nstype == NSTypeL2PTP {
		if err := applyPTPVLANs(interfaces); err != nil {
			return nil, err
		}
	}
	return s.addNetwork(name, nstype, interfaces)
}

// AddL3Network creates a FABNet L3 network service over the given
// interfaces. FABNet services are per site, so the interface set must span
// exactly one site. The subnet and gateway are allocated remotely.
func (s *Slice) AddL3Network(name string, interfaces []*Interface, nstype NSType) (*NetworkService, error) {
	if nstype.Layer() != NSLayerL3 {
		return nil, fmt.Errorf("%w: '%s' is not an L3 service type", util.ErrInvalidNetworkRequest, nstype)
	}
	sites := distinctSites(interfaces)
	if len(sites) != 1 {
		return nil, fmt.Errorf("%w: FABNet services span exactly 1 site, got %d (%v)",
			util.ErrInvalidNetworkRequest, len(sites), sites)
	}
	return s.addNetwork(name, nstype, interfaces)
}

func (s *Slice) addNetwork(name string, nstype NSType, interfaces []*Interface) (*NetworkService, error) {
	inner := make([]*topology.Interface, 0, len(interfaces))
	for _, ifc := range interfaces {
		// Enforce single-network membership before joining.
		for _, svc := range s.topo.Services {
			svc.RemoveInterface(ifc.Name())
		}
		inner = append(inner, ifc.inner)
	}
	svc, err := s.topo.AddNetworkService(name, string(nstype), string(nstype.Layer()), inner)
	if err != nil {
		return nil, err
	}
	return s.wrapNetwork(svc), nil
}

// GetNetwork returns a network service by name.
func (s *Slice) GetNetwork(name string) (*NetworkService, error) {
	svc, err := s.topo.GetNetworkService(name)
	if err != nil {
		return nil, err
	}
	return s.wrapNetwork(svc), nil
}

// Networks returns the slice's network services, sorted by name.
func (s *Slice) Networks() []*NetworkService {
	var out []*NetworkService
	for _, svc := range s.topo.Services {
		out = append(out, s.wrapNetwork(svc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// GetObjectByReservation finds the node or network holding a reservation.
// Exactly one of the returns is non-nil on success.
func (s *Slice) GetObjectByReservation(reservationID string) (*Node, *NetworkService, error) {
	for _, inner := range s.topo.Nodes {
		if inner.Reservation.ID == reservationID {
			return &Node{slice: s, inner: inner}, nil, nil
		}
	}
	for _, svc := range s.topo.Services {
		if svc.Reservation.ID == reservationID {
			return nil, s.wrapNetwork(svc), nil
		}
	}
	return nil, nil, util.NewNotFoundError("reservation", reservationID)
}

// wrapNetwork returns the stable NetworkService wrapper for a graph
// service, so per-network allocation state survives repeated lookups.
func (s *Slice) wrapNetwork(svc *topology.NetworkService) *NetworkService {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.networks == nil {
		s.networks = make(map[string]*NetworkService)
	}
	if ns, ok := s.networks[svc.Name]; ok && ns.inner == svc {
		return ns
	}
	ns := &NetworkService{slice: s, inner: svc}
	s.networks[svc.Name] = ns
	return ns
}

// ============================================================
// Lifecycle
// ============================================================

// Submit serializes the topology, hands it to the orchestrator, waits for
// the slice to converge and for every node to accept SSH, then runs
// post-boot configuration. Use SubmitNoWait to return as soon as the
// request is accepted.
func (s *Slice) Submit(ctx context.Context) error {
	if err := s.SubmitNoWait(ctx); err != nil {
		return err
	}
	if err := s.WaitSSH(ctx, defaultWaitTimeout, defaultWaitInterval); err != nil {
		return err
	}
	s.PostBootConfig(ctx)
	return nil
}

// SubmitNoWait serializes the topology and submits it, capturing the slice
// ID and refreshing local state once.
func (s *Slice) SubmitNoWait(ctx context.Context) error {
	if s.id != "" {
		return fmt.Errorf("slice '%s' already submitted (id %s)", s.name, s.id)
	}
	graph, err := s.topo.Serialize()
	if err != nil {
		return err
	}
	sshKey, err := s.mgr.cfg.SlicePublicKey()
	if err != nil {
		return err
	}

	util.WithSlice(s.name).Info("submitting slice")
	st, sliceID, slivers, diag := s.mgr.orch.Create(ctx, s.name, graph, sshKey)
	if err := orchestrator.Check("create", st, diag); err != nil {
		return err
	}
	s.id = sliceID
	s.state = SliceStateConfiguring
	s.applySlivers(slivers)
	return s.Update(ctx)
}

// Update refreshes the slice state and sliver-derived fields from the
// orchestrator. Provisioning-derived fields are rebuilt from remote state
// rather than mutated locally.
func (s *Slice) Update(ctx context.Context) error {
	if s.id == "" {
		return fmt.Errorf("slice '%s' not submitted", s.name)
	}
	st, records, diag := s.mgr.orch.Slices(ctx, orchestrator.SliceFilter{SliceID: s.id})
	if err := orchestrator.Check("slices", st, diag); err != nil {
		return err
	}
	for _, rec := range records {
		if rec.ID != s.id {
			continue
		}
		next := SliceState(rec.State)
		// Terminal states do not revert.
		if s.state.Terminal() && !next.Terminal() {
			util.WithSlice(s.name).Warnf("ignoring state regression %s -> %s", s.state, next)
		} else {
			s.state = next
		}
		s.leaseEnd = rec.LeaseEnd
	}

	st, slivers, diag := s.mgr.orch.Slivers(ctx, s.id)
	if err := orchestrator.Check("slivers", st, diag); err != nil {
		return err
	}
	s.applySlivers(slivers)
	return nil
}

// applySlivers folds remote sliver records into the local graph.
func (s *Slice) applySlivers(slivers []orchestrator.Sliver) {
	for _, sv := range slivers {
		switch sv.Kind {
		case orchestrator.SliverNode:
			inner, err := s.topo.GetNode(sv.Name)
			if err != nil {
				// Slices retrieved by name start with an empty local
				// graph; rebuild nodes from their slivers.
				inner, err = s.topo.AddNode(sv.Name, sv.Site)
				if err != nil {
					util.WithSlice(s.name).Warnf("sliver for node '%s': %v", sv.Name, err)
					continue
				}
			}
			inner.Reservation = topology.ReservationInfo{ID: sv.ID, State: sv.State, Notice: sv.Notice}
			// Management IP is immutable once assigned.
			if inner.ManagementIP == "" {
				inner.ManagementIP = sv.ManagementIP
			} else if sv.ManagementIP != "" && sv.ManagementIP != inner.ManagementIP {
				util.WithNode(sv.Name).Warnf("ignoring management IP change %s -> %s",
					inner.ManagementIP, sv.ManagementIP)
			}
			for _, si := range sv.Interfaces {
				ifc, err := s.topo.GetInterface(si.Name)
				if err != nil {
					continue
				}
				ifc.Labels.MAC = si.MAC
				if si.VLAN != "" {
					ifc.Labels.VLAN = si.VLAN
				}
				if si.BW > 0 {
					ifc.Capacities.BW = si.BW
				}
			}

		case orchestrator.SliverNetwork:
			svc, err := s.topo.GetNetworkService(sv.Name)
			if err != nil {
				util.WithSlice(s.name).Warnf("sliver for unknown network '%s'", sv.Name)
				continue
			}
			svc.Reservation = topology.ReservationInfo{ID: sv.ID, State: sv.State, Notice: sv.Notice}
			if sv.Subnet != "" {
				if NSType(svc.Type).IPv6() {
					svc.Labels.IPv6Subnet = sv.Subnet
					svc.Labels.IPv6Gateway = sv.Gateway
				} else {
					svc.Labels.IPv4Subnet = sv.Subnet
					svc.Labels.IPv4Gateway = sv.Gateway
				}
			}
		}
	}
}

// Wait polls the orchestrator until the slice reaches a terminal state.
// A stable state returns nil; a failed or torn-down terminal state returns
// an aggregated error naming each root-cause resource failure; running out
// of time returns a timeout error.
func (s *Slice) Wait(ctx context.Context, timeout, interval time.Duration) error {
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	if interval <= 0 {
		interval = defaultWaitInterval
	}
	deadline := time.Now().Add(timeout)

	for {
		if err := s.Update(ctx); err != nil {
			return err
		}
		util.WithSlice(s.name).Debugf("state %s", s.state)

		if s.state.Stable() {
			return nil
		}
		switch s.state {
		case SliceStateStableError, SliceStateModifyError, SliceStateClosing, SliceStateDead:
			return fmt.Errorf("slice '%s' (%s) failed in state %s:\n%s",
				s.name, s.id, s.state, s.errorMessages())
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("slice '%s': %w waiting for terminal state after %s (state %s)",
				s.name, util.ErrTimeout, timeout, s.state)
		}
		sleepFn(interval)
	}
}

// errorMessages aggregates failing resources' notices, one line per
// resource, suppressing cascade notices that only echo another resource's
// primary failure.
func (s *Slice) errorMessages() string {
	var lines []string
	add := func(kind, name, site, state, notice string) {
		if notice == "" || isCascadeNotice(notice) {
			return
		}
		if site != "" {
			lines = append(lines, fmt.Sprintf("%s '%s' (site %s, state %s): %s", kind, name, site, state, notice))
		} else {
			lines = append(lines, fmt.Sprintf("%s '%s' (state %s): %s", kind, name, state, notice))
		}
	}
	for _, name := range sortedNodeNames(s.topo) {
		n := s.topo.Nodes[name]
		add("node", n.Name, n.Site, n.Reservation.State, n.Reservation.Notice)
	}
	for _, name := range sortedServiceNames(s.topo) {
		svc := s.topo.Services[name]
		add("network", svc.Name, "", svc.Reservation.State, svc.Reservation.Notice)
	}
	if len(lines) == 0 {
		return "no resource notices reported"
	}
	return strings.Join(lines, "\n")
}

func isCascadeNotice(notice string) bool {
	return strings.Contains(notice, cascadeNoticeClosing) ||
		strings.Contains(notice, cascadeNoticeTerminal)
}

// WaitSSH waits for the slice to stabilize, then probes every node over
// SSH until all accept a connection or the timeout elapses.
func (s *Slice) WaitSSH(ctx context.Context, timeout, interval time.Duration) error {
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	if interval <= 0 {
		interval = defaultWaitInterval
	}
	start := time.Now()
	if err := s.Wait(ctx, timeout, interval); err != nil {
		return err
	}
	deadline := start.Add(timeout)

	pending := make(map[string]bool)
	for _, n := range s.Nodes() {
		pending[n.Name()] = true
	}
	for len(pending) > 0 {
		for _, n := range s.Nodes() {
			if !pending[n.Name()] {
				continue
			}
			if err := n.TestSSH(ctx); err != nil {
				util.WithNode(n.Name()).Debugf("ssh not ready: %v", err)
				continue
			}
			delete(pending, n.Name())
		}
		if len(pending) == 0 {
			break
		}
		if time.Now().After(deadline) {
			names := make([]string, 0, len(pending))
			for name := range pending {
				names = append(names, name)
			}
			sort.Strings(names)
			return fmt.Errorf("slice '%s': %w waiting for ssh on %v", s.name, util.ErrTimeout, names)
		}
		sleepFn(interval)
	}
	return nil
}

// TestSSH probes every node once and reports the nodes that failed.
func (s *Slice) TestSSH(ctx context.Context) error {
	var failed []string
	for _, n := range s.Nodes() {
		if err := n.TestSSH(ctx); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", n.Name(), err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("ssh probe failed on %d node(s):\n%s", len(failed), strings.Join(failed, "\n"))
	}
	return nil
}

// PostBootConfig drives OS-level network configuration on freshly booted
// nodes in three ordered phases: stop the network manager everywhere, then
// create VLAN sub-interfaces, then toggle links and apply addresses. Each
// phase is a barrier; work within a phase runs under a bounded worker pool
// except VLAN creation, which shares base devices and runs sequentially.
// Failures are logged and do not abort sibling work.
func (s *Slice) PostBootConfig(ctx context.Context) {
	log := util.WithSlice(s.name)
	log.Info("post-boot configuration")

	nodes := s.Nodes()
	s.forEachParallel(len(nodes), func(idx int) error {
		return nodes[idx].NetworkManagerStop(ctx)
	}, func(idx int, err error) {
		util.WithNode(nodes[idx].Name()).Warnf("stopping network manager: %v", err)
	})

	// VLAN sub-interface creation on a shared base device is not safe to
	// parallelize across interfaces of one node.
	interfaces := s.Interfaces()
	for _, ifc := range interfaces {
		if ifc.FacilityPort() || !ifc.NeedsVLANDevice() {
			continue
		}
		base, err := ifc.BaseDeviceName(ctx)
		if err != nil {
			util.WithNode(ifc.nodeName()).Warnf("resolving device for %s: %v", ifc.Name(), err)
			continue
		}
		if err := ifc.Node().AddVLANOSInterface(ctx, base, ifc.VLAN()); err != nil {
			util.WithNode(ifc.nodeName()).Warnf("creating vlan device on %s: %v", ifc.Name(), err)
		}
	}

	var work []*Interface
	for _, ifc := range interfaces {
		if !ifc.FacilityPort() {
			work = append(work, ifc)
		}
	}
	s.forEachParallel(len(work), func(idx int) error {
		ifc := work[idx]
		dev, err := ifc.DeviceName(ctx)
		if err != nil {
			return err
		}
		node := ifc.Node()
		if err := node.IPLinkDown(ctx, dev); err != nil {
			return err
		}
		if err := node.IPLinkUp(ctx, dev); err != nil {
			return err
		}
		return ifc.Config(ctx)
	}, func(idx int, err error) {
		util.WithNode(work[idx].nodeName()).Warnf("configuring %s: %v", work[idx].Name(), err)
	})

	log.Info("post-boot configuration done")
}

// forEachParallel fans n work items out over the manager's worker pool and
// waits for all of them. Errors go to onErr; none abort the batch.
func (s *Slice) forEachParallel(n int, fn func(idx int) error, onErr func(idx int, err error)) {
	workers := s.mgr.PostBootWorkers
	if workers <= 0 {
		workers = 10
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(idx); err != nil {
				onErr(idx, err)
			}
		}(i)
	}
	wg.Wait()
}

// Renew extends the slice lease to the given end time.
func (s *Slice) Renew(ctx context.Context, end time.Time) error {
	if s.id == "" {
		return fmt.Errorf("slice '%s' not submitted", s.name)
	}
	st, diag := s.mgr.orch.Renew(ctx, s.id, end)
	if err := orchestrator.Check("renew", st, diag); err != nil {
		return err
	}
	s.leaseEnd = end
	return nil
}

// Delete tears the slice down remotely and closes any open tunnels. Local
// references become invalid once this returns.
func (s *Slice) Delete(ctx context.Context) error {
	if s.id == "" {
		return fmt.Errorf("slice '%s' not submitted", s.name)
	}
	s.closeAllTunnels()
	st, diag := s.mgr.orch.Delete(ctx, s.id)
	if err := orchestrator.Check("delete", st, diag); err != nil {
		return err
	}
	s.state = SliceStateDead
	return nil
}

// ============================================================
// Per-node shared state
// ============================================================

func (s *Slice) trackTunnel(node string, t *nodeTunnel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tunnels == nil {
		s.tunnels = make(map[string][]*nodeTunnel)
	}
	s.tunnels[node] = append(s.tunnels[node], t)
}

func (s *Slice) closeTunnel(node, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.tunnels[node]
	for idx, t := range list {
		if t.tunnel.Name() == name {
			s.tunnels[node] = append(list[:idx], list[idx+1:]...)
			err := t.tunnel.Close()
			t.session.Close()
			return err
		}
	}
	return util.NewNotFoundError("tunnel", name)
}

func (s *Slice) closeNodeTunnels(node string) {
	s.mu.Lock()
	list := s.tunnels[node]
	delete(s.tunnels, node)
	s.mu.Unlock()
	for _, t := range list {
		t.tunnel.Close()
		t.session.Close()
	}
}

func (s *Slice) closeAllTunnels() {
	s.mu.Lock()
	all := s.tunnels
	s.tunnels = nil
	s.mu.Unlock()
	for _, list := range all {
		for _, t := range list {
			t.tunnel.Close()
			t.session.Close()
		}
	}
}

func (s *Slice) cachedAddrDump(node string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dump, ok := s.addrDumps[node]
	return dump, ok
}

func (s *Slice) storeAddrDump(node string, dump interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addrDumps == nil {
		s.addrDumps = make(map[string]interface{})
	}
	s.addrDumps[node] = dump
}

func isFacilityNode(n *topology.Node) bool {
	for _, c := range n.Components {
		if c.Type == "FacilityPort" {
			return true
		}
	}
	return false
}

func sortedNodeNames(t *topology.Topology) []string {
	names := make([]string, 0, len(t.Nodes))
	for name := range t.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedServiceNames(t *topology.Topology) []string {
	names := make([]string, 0, len(t.Services))
	for name := range t.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
