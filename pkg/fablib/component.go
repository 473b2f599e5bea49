package fablib

import (
	"fmt"
	"sort"

	"github.com/fabric-testbed/fablib-go/pkg/topology"
)

// ComponentModel is a catalog name experimenters attach components by.
type ComponentModel string

const (
	ComponentNICBasic       ComponentModel = "NIC_Basic"
	ComponentNICConnectX5   ComponentModel = "NIC_ConnectX_5"
	ComponentNICConnectX6   ComponentModel = "NIC_ConnectX_6"
	ComponentNICOpenStack   ComponentModel = "NIC_OpenStack"
	ComponentNVMEP4510      ComponentModel = "NVME_P4510"
	ComponentGPUTeslaT4     ComponentModel = "GPU_TeslaT4"
	ComponentGPURTX6000     ComponentModel = "GPU_RTX6000"
	ComponentGPUA30         ComponentModel = "GPU_A30"
	ComponentGPUA40         ComponentModel = "GPU_A40"
	ComponentFPGAXilinxU280 ComponentModel = "FPGA_Xilinx_U280"
	ComponentStorage        ComponentModel = "Storage"
)

// modelSpec maps a catalog name to the underlying device identity the
// orchestrator understands, plus the interface layout of NIC models.
type modelSpec struct {
	Model string
	Type  string
	Ports int
	BW    int64
}

var componentCatalog = map[ComponentModel]modelSpec{
	ComponentNICBasic:       {Model: "ConnectX-6", Type: "SharedNIC", Ports: 1, BW: 100},
	ComponentNICConnectX5:   {Model: "ConnectX-5", Type: "SmartNIC", Ports: 2, BW: 25},
	ComponentNICConnectX6:   {Model: "ConnectX-6", Type: "SmartNIC", Ports: 2, BW: 100},
	ComponentNICOpenStack:   {Model: "OpenStack-vNIC", Type: "SharedNIC", Ports: 1, BW: 0},
	ComponentNVMEP4510:      {Model: "P4510", Type: "NVME"},
	ComponentGPUTeslaT4:     {Model: "Tesla T4", Type: "GPU"},
	ComponentGPURTX6000:     {Model: "RTX6000", Type: "GPU"},
	ComponentGPUA30:         {Model: "A30", Type: "GPU"},
	ComponentGPUA40:         {Model: "A40", Type: "GPU"},
	ComponentFPGAXilinxU280: {Model: "Xilinx-U280", Type: "FPGA"},
	ComponentStorage:        {Model: "NAS", Type: "Storage"},
}

// ComponentModels lists the catalog names, sorted.
func ComponentModels() []ComponentModel {
	out := make([]ComponentModel, 0, len(componentCatalog))
	for m := range componentCatalog {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Component wraps an attached device on a node.
type Component struct {
	node  *Node
	inner *topology.Component
}

// Name returns the component name as given at attach time.
func (c *Component) Name() string { return c.inner.Name }

// Model returns the underlying device model identifier.
func (c *Component) Model() string { return c.inner.Model }

// Type returns the device class (SharedNIC, SmartNIC, GPU, NVME, FPGA).
func (c *Component) Type() string { return c.inner.Type }

// Node returns the owning node.
func (c *Component) Node() *Node { return c.node }

// PCIAddress returns the device's PCI address, assigned post-provisioning.
func (c *Component) PCIAddress() string { return c.inner.Labels.PCIAddress }

// SharedNIC reports whether the component is a shared (basic) NIC.
func (c *Component) SharedNIC() bool { return c.inner.Type == "SharedNIC" }

// Storage reports whether the component is a persistent volume attachment.
func (c *Component) Storage() bool { return c.inner.Type == "Storage" }

// AutoMount reports whether a storage volume is mounted at boot.
func (c *Component) AutoMount() bool { return c.inner.Flags.AutoMount }

// Interfaces returns the component's interfaces, sorted by name.
func (c *Component) Interfaces() []*Interface {
	var out []*Interface
	for _, ifc := range c.inner.Interfaces {
		out = append(out, &Interface{slice: c.node.slice, inner: ifc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// GetInterface returns the component interface with the given name.
func (c *Component) GetInterface(name string) (*Interface, error) {
	ifc, ok := c.inner.Interfaces[name]
	if !ok {
		return nil, fmt.Errorf("interface '%s' not on component '%s'", name, c.inner.Name)
	}
	return &Interface{slice: c.node.slice, inner: ifc}, nil
}
