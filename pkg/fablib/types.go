package fablib

// NSType identifies a network service type on the testbed.
type NSType string

const (
	NSTypeL2Bridge    NSType = "L2Bridge"
	NSTypeL2PTP       NSType = "L2PTP"
	NSTypeL2STS       NSType = "L2STS"
	NSTypeFABNetv4    NSType = "FABNetv4"
	NSTypeFABNetv6    NSType = "FABNetv6"
	NSTypeFABNetv4Ext NSType = "FABNetv4Ext"
	NSTypeFABNetv6Ext NSType = "FABNetv6Ext"
)

// NSLayer distinguishes L2 circuits from routed L3 FABNet services.
type NSLayer string

const (
	NSLayerL2 NSLayer = "L2"
	NSLayerL3 NSLayer = "L3"
)

// Layer returns the network layer implied by a service type.
func (t NSType) Layer() NSLayer {
	switch t {
	case NSTypeFABNetv4, NSTypeFABNetv6, NSTypeFABNetv4Ext, NSTypeFABNetv6Ext:
		return NSLayerL3
	default:
		return NSLayerL2
	}
}

// IPv6 reports whether an L3 type allocates from the IPv6 FABNet space.
func (t NSType) IPv6() bool {
	return t == NSTypeFABNetv6 || t == NSTypeFABNetv6Ext
}

// InterfaceMode governs whether post-boot configuration assigns an address
// to an interface.
type InterfaceMode string

const (
	// ModeManual leaves all addressing to the experimenter.
	ModeManual InterfaceMode = "manual"
	// ModeConfig applies an address the experimenter has set explicitly.
	ModeConfig InterfaceMode = "config"
	// ModeAuto allocates an address from the network's subnet.
	ModeAuto InterfaceMode = "auto"
)

// SliceState mirrors the orchestrator's slice state machine.
type SliceState string

const (
	SliceStateNew         SliceState = "New"
	SliceStateConfiguring SliceState = "Configuring"
	SliceStateStableOK    SliceState = "StableOK"
	SliceStateStableError SliceState = "StableError"
	SliceStateModifyOK    SliceState = "ModifyOK"
	SliceStateModifyError SliceState = "ModifyError"
	SliceStateClosing     SliceState = "Closing"
	SliceStateDead        SliceState = "Dead"
)

// Terminal reports whether the state is one the orchestrator will not leave.
func (s SliceState) Terminal() bool {
	switch s {
	case SliceStateStableOK, SliceStateStableError, SliceStateModifyOK,
		SliceStateModifyError, SliceStateClosing, SliceStateDead:
		return true
	}
	return false
}

// Stable reports whether the state is a successful terminal state.
func (s SliceState) Stable() bool {
	return s == SliceStateStableOK || s == SliceStateModifyOK
}

// ReservationState mirrors the orchestrator's per-sliver states.
type ReservationState string

const (
	ReservationUnknown     ReservationState = "Unknown"
	ReservationTicketed    ReservationState = "Ticketed"
	ReservationConfiguring ReservationState = "Configuring"
	ReservationActive      ReservationState = "Active"
	ReservationClosed      ReservationState = "Closed"
	ReservationFailed      ReservationState = "Failed"
)

// Failed reports whether the reservation state indicates a failure.
func (r ReservationState) Failed() bool {
	return r == ReservationFailed
}
