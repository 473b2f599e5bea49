package topology

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fabric-testbed/fablib-go/pkg/util"
)

// Capacities describes requested or allocated resource quantities.
type Capacities struct {
	Cores int64 `json:"core,omitempty"`
	RAM   int64 `json:"ram,omitempty"`
	Disk  int64 `json:"disk,omitempty"`
	Unit  int64 `json:"unit,omitempty"`
	BW    int64 `json:"bw,omitempty"`
}

// Labels carries allocation metadata assigned locally (VLAN) or remotely
// (MAC, subnets, gateway, device naming, PCI address).
type Labels struct {
	VLAN        string `json:"vlan,omitempty"`
	MAC         string `json:"mac,omitempty"`
	LocalName   string `json:"local_name,omitempty"`
	DeviceName  string `json:"device_name,omitempty"`
	PCIAddress  string `json:"bdf,omitempty"`
	IPv4Subnet  string `json:"ipv4_subnet,omitempty"`
	IPv6Subnet  string `json:"ipv6_subnet,omitempty"`
	IPv4Gateway string `json:"ipv4_gateway,omitempty"`
	IPv6Gateway string `json:"ipv6_gateway,omitempty"`
}

// Flags carries boolean provisioning options on a component.
type Flags struct {
	AutoMount bool `json:"auto_mount,omitempty"`
}

// ReservationInfo mirrors the remote sliver record for a graph entity.
type ReservationInfo struct {
	ID     string `json:"reservation_id,omitempty"`
	State  string `json:"reservation_state,omitempty"`
	Notice string `json:"notice,omitempty"`
}

// Node is a compute or switch resource in the graph.
type Node struct {
	Name         string                `json:"name"`
	Site         string                `json:"site"`
	Host         string                `json:"host,omitempty"`
	Image        string                `json:"image,omitempty"`
	ImageType    string                `json:"image_type,omitempty"`
	Capacities   Capacities            `json:"capacities"`
	ManagementIP string                `json:"management_ip,omitempty"`
	Reservation  ReservationInfo       `json:"reservation_info"`
	Components   map[string]*Component `json:"components"`

	// UserData is client-side bookkeeping the orchestrator stores verbatim.
	UserData map[string]json.RawMessage `json:"user_data,omitempty"`
}

// AddComponent attaches a device component to the node and creates its
// interfaces. ports = 0 means no network attachment (GPU, NVMe, storage).
func (n *Node) AddComponent(name, model, ctype string, ports int) (*Component, error) {
	if _, ok := n.Components[name]; ok {
		return nil, fmt.Errorf("component '%s' already on node '%s'", name, n.Name)
	}
	c := &Component{
		Name:       name,
		Model:      model,
		Type:       ctype,
		Interfaces: make(map[string]*Interface),
		node:       n,
	}
	for p := 1; p <= ports; p++ {
		ifcName := fmt.Sprintf("%s-%s-p%d", n.Name, name, p)
		c.Interfaces[ifcName] = &Interface{
			Name:      ifcName,
			UserData:  make(map[string]json.RawMessage),
			component: c,
		}
	}
	n.Components[name] = c
	return c, nil
}

// GetComponent returns a component on this node by name.
func (n *Node) GetComponent(name string) (*Component, error) {
	c, ok := n.Components[name]
	if !ok {
		return nil, util.NewNotFoundError("component", name)
	}
	return c, nil
}

// Interfaces returns the node's interfaces across all components, sorted.
func (n *Node) Interfaces() []*Interface {
	var out []*Interface
	for _, c := range n.Components {
		for _, ifc := range c.Interfaces {
			out = append(out, ifc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Component is an attached device (NIC, GPU, NVMe, storage) on a node.
type Component struct {
	Name        string                `json:"name"`
	Model       string                `json:"model"`
	Type        string                `json:"type"`
	Capacities  Capacities            `json:"capacities"`
	Labels      Labels                `json:"labels"`
	Flags       Flags                 `json:"flags"`
	Reservation ReservationInfo       `json:"reservation_info"`
	Interfaces  map[string]*Interface `json:"interfaces"`

	node *Node
}

// Node returns the component's owning node.
func (c *Component) Node() *Node { return c.node }

// Interface is a network attachment point on a component.
type Interface struct {
	Name        string          `json:"name"`
	Capacities  Capacities      `json:"capacities"`
	Labels      Labels          `json:"labels"`
	Reservation ReservationInfo `json:"reservation_info"`

	UserData map[string]json.RawMessage `json:"user_data,omitempty"`

	component *Component
}

// Component returns the interface's owning component.
func (i *Interface) Component() *Component { return i.component }

// Node returns the node the interface ultimately belongs to.
func (i *Interface) Node() *Node {
	if i.component == nil {
		return nil
	}
	return i.component.node
}

// GetUserData reads a user-data entry into v. Returns false if absent.
func (i *Interface) GetUserData(key string, v interface{}) (bool, error) {
	raw, ok := i.UserData[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("parsing user data '%s' on %s: %w", key, i.Name, err)
	}
	return true, nil
}

// SetUserData stores v as a user-data entry.
func (i *Interface) SetUserData(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding user data '%s' on %s: %w", key, i.Name, err)
	}
	if i.UserData == nil {
		i.UserData = make(map[string]json.RawMessage)
	}
	i.UserData[key] = raw
	return nil
}

// NetworkService is an L2 or L3 network joining interfaces by reference.
type NetworkService struct {
	Name           string          `json:"name"`
	Type           string          `json:"type"`
	Layer          string          `json:"layer"`
	Labels         Labels          `json:"labels"`
	Reservation    ReservationInfo `json:"reservation_info"`
	InterfaceNames []string        `json:"interfaces"`
}

// HasInterface reports whether the service references the named interface.
func (s *NetworkService) HasInterface(name string) bool {
	for _, n := range s.InterfaceNames {
		if n == name {
			return true
		}
	}
	return false
}

// AddInterface adds an interface reference if not already present.
func (s *NetworkService) AddInterface(name string) {
	if s.HasInterface(name) {
		return
	}
	s.InterfaceNames = append(s.InterfaceNames, name)
	sort.Strings(s.InterfaceNames)
}

// RemoveInterface drops an interface reference if present.
func (s *NetworkService) RemoveInterface(name string) {
	for idx, n := range s.InterfaceNames {
		if n == name {
			s.InterfaceNames = append(s.InterfaceNames[:idx], s.InterfaceNames[idx+1:]...)
			return
		}
	}
}
