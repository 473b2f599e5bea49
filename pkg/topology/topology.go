// Package topology provides the local declarative graph describing a slice's
// desired resources: nodes, their components and interfaces, and the network
// services joining interfaces together. The graph is built and mutated
// locally, serialized on submission, and refreshed from remote sliver state
// after the orchestrator takes ownership.
//
// Entities carry typed property groups (Capacities, Labels, ReservationInfo)
// instead of a string-keyed property bag, plus a small JSON user-data area
// for client-side bookkeeping the orchestrator does not interpret.
package topology

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fabric-testbed/fablib-go/pkg/util"
)

// Topology is the root of the slice graph.
type Topology struct {
	Nodes    map[string]*Node           `json:"nodes"`
	Services map[string]*NetworkService `json:"network_services"`
}

// New creates an empty topology graph.
func New() *Topology {
	return &Topology{
		Nodes:    make(map[string]*Node),
		Services: make(map[string]*NetworkService),
	}
}

// AddNode adds a compute node to the graph.
func (t *Topology) AddNode(name, site string) (*Node, error) {
	if _, ok := t.Nodes[name]; ok {
		return nil, fmt.Errorf("node '%s' already in topology", name)
	}
	n := &Node{
		Name:       name,
		Site:       site,
		Components: make(map[string]*Component),
		UserData:   make(map[string]json.RawMessage),
	}
	t.Nodes[name] = n
	return n, nil
}

// GetNode returns a graph node by name.
func (t *Topology) GetNode(name string) (*Node, error) {
	n, ok := t.Nodes[name]
	if !ok {
		return nil, util.NewNotFoundError("node", name)
	}
	return n, nil
}

// RemoveNode removes a node and detaches its interfaces from any service.
func (t *Topology) RemoveNode(name string) error {
	n, ok := t.Nodes[name]
	if !ok {
		return util.NewNotFoundError("node", name)
	}
	for _, c := range n.Components {
		for _, ifc := range c.Interfaces {
			for _, svc := range t.Services {
				svc.RemoveInterface(ifc.Name)
			}
		}
	}
	delete(t.Nodes, name)
	return nil
}

// AddNetworkService adds a network service referencing existing interfaces.
func (t *Topology) AddNetworkService(name, nstype, layer string, interfaces []*Interface) (*NetworkService, error) {
	if _, ok := t.Services[name]; ok {
		return nil, fmt.Errorf("network service '%s' already in topology", name)
	}
	svc := &NetworkService{
		Name:  name,
		Type:  nstype,
		Layer: layer,
	}
	for _, ifc := range interfaces {
		svc.InterfaceNames = append(svc.InterfaceNames, ifc.Name)
	}
	sort.Strings(svc.InterfaceNames)
	t.Services[name] = svc
	return svc, nil
}

// GetNetworkService returns a network service by name.
func (t *Topology) GetNetworkService(name string) (*NetworkService, error) {
	svc, ok := t.Services[name]
	if !ok {
		return nil, util.NewNotFoundError("network service", name)
	}
	return svc, nil
}

// RemoveNetworkService removes a network service from the graph.
func (t *Topology) RemoveNetworkService(name string) error {
	if _, ok := t.Services[name]; !ok {
		return util.NewNotFoundError("network service", name)
	}
	delete(t.Services, name)
	return nil
}

// GetInterface finds an interface anywhere in the graph by name.
func (t *Topology) GetInterface(name string) (*Interface, error) {
	for _, n := range t.Nodes {
		for _, c := range n.Components {
			if ifc, ok := c.Interfaces[name]; ok {
				return ifc, nil
			}
		}
	}
	return nil, util.NewNotFoundError("interface", name)
}

// Interfaces returns every interface in the graph, sorted by name.
func (t *Topology) Interfaces() []*Interface {
	var out []*Interface
	for _, n := range t.Nodes {
		for _, c := range n.Components {
			for _, ifc := range c.Interfaces {
				out = append(out, ifc)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ServiceFor returns the network service an interface belongs to, or nil.
func (t *Topology) ServiceFor(interfaceName string) *NetworkService {
	for _, svc := range t.Services {
		if svc.HasInterface(interfaceName) {
			return svc
		}
	}
	return nil
}

// Serialize renders the graph as JSON for hand-off to the orchestration
// boundary.
func (t *Topology) Serialize() ([]byte, error) {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serializing topology: %w", err)
	}
	return data, nil
}

// Load parses a serialized topology and rebuilds parent back-references.
func Load(data []byte) (*Topology, error) {
	var t Topology
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing topology: %w", err)
	}
	if t.Nodes == nil {
		t.Nodes = make(map[string]*Node)
	}
	if t.Services == nil {
		t.Services = make(map[string]*NetworkService)
	}
	for _, n := range t.Nodes {
		if n.UserData == nil {
			n.UserData = make(map[string]json.RawMessage)
		}
		for _, c := range n.Components {
			c.node = n
			for _, ifc := range c.Interfaces {
				ifc.component = c
				if ifc.UserData == nil {
					ifc.UserData = make(map[string]json.RawMessage)
				}
			}
		}
	}
	return &t, nil
}
