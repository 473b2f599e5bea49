package fablib

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/itchyny/gojq"

	"github.com/fabric-testbed/fablib-go/pkg/bastion"
	"github.com/fabric-testbed/fablib-go/pkg/topology"
	"github.com/fabric-testbed/fablib-go/pkg/util"
)

const (
	defaultExecRetry    = 3
	defaultExecInterval = 10 * time.Second
)

// Node is a compute resource within a slice.
type Node struct {
	slice *Slice
	inner *topology.Node
}

// Name returns the node name, unique within the slice.
func (n *Node) Name() string { return n.inner.Name }

// Site returns the site the node is placed at.
func (n *Node) Site() string { return n.inner.Site }

// Host returns the explicit host binding, empty when the orchestrator is
// free to place the node.
func (n *Node) Host() string { return n.inner.Host }

// SetHost pins the node to a specific host at its site.
func (n *Node) SetHost(host string) { n.inner.Host = host }

// SetCapacities sets the requested cores, RAM (GB) and disk (GB).
func (n *Node) SetCapacities(cores, ram, disk int64) error {
	if cores <= 0 || ram <= 0 || disk <= 0 {
		return fmt.Errorf("node %s: capacities must be positive", n.inner.Name)
	}
	n.inner.Capacities.Cores = cores
	n.inner.Capacities.RAM = ram
	n.inner.Capacities.Disk = disk
	return nil
}

// Cores returns the requested core count.
func (n *Node) Cores() int64 { return n.inner.Capacities.Cores }

// RAM returns the requested memory in GB.
func (n *Node) RAM() int64 { return n.inner.Capacities.RAM }

// Disk returns the requested disk in GB.
func (n *Node) Disk() int64 { return n.inner.Capacities.Disk }

// SetImage sets the boot image reference.
func (n *Node) SetImage(image, imageType string) {
	n.inner.Image = image
	n.inner.ImageType = imageType
}

// Image returns the boot image reference.
func (n *Node) Image() string { return n.inner.Image }

// ManagementIP returns the address assigned by the orchestrator after
// provisioning. Immutable once set.
func (n *Node) ManagementIP() string { return n.inner.ManagementIP }

// State returns the node's reservation state.
func (n *Node) State() ReservationState {
	if n.inner.Reservation.State == "" {
		return ReservationUnknown
	}
	return ReservationState(n.inner.Reservation.State)
}

// Notice returns the reservation notice, present when provisioning failed.
func (n *Node) Notice() string { return n.inner.Reservation.Notice }

// ReservationID returns the remote reservation identifier.
func (n *Node) ReservationID() string { return n.inner.Reservation.ID }

// AddComponent attaches a device from the component catalog.
func (n *Node) AddComponent(model ComponentModel, name string) (*Component, error) {
	spec, ok := componentCatalog[model]
	if !ok {
		return nil, fmt.Errorf("unknown component model '%s'", model)
	}
	inner, err := n.inner.AddComponent(name, spec.Model, spec.Type, spec.Ports)
	if err != nil {
		return nil, err
	}
	for _, ifc := range inner.Interfaces {
		ifc.Capacities.BW = spec.BW
	}
	return &Component{node: n, inner: inner}, nil
}

// AddStorage attaches a named persistent volume to the node. Volumes are
// provisioned by site operators ahead of time; the name must match the
// granted volume. autoMount mounts the volume at boot.
func (n *Node) AddStorage(name string, autoMount bool) (*Component, error) {
	spec := componentCatalog[ComponentStorage]
	inner, err := n.inner.AddComponent(name, spec.Model, spec.Type, 0)
	if err != nil {
		return nil, err
	}
	inner.Labels.LocalName = name
	inner.Flags.AutoMount = autoMount
	return &Component{node: n, inner: inner}, nil
}

// GetComponent returns an attached component by name.
func (n *Node) GetComponent(name string) (*Component, error) {
	inner, err := n.inner.GetComponent(name)
	if err != nil {
		return nil, err
	}
	return &Component{node: n, inner: inner}, nil
}

// Components returns the node's components.
func (n *Node) Components() []*Component {
	var out []*Component
	for _, c := range n.inner.Components {
		out = append(out, &Component{node: n, inner: c})
	}
	return out
}

// Interfaces returns the node's interfaces across all components, sorted.
func (n *Node) Interfaces() []*Interface {
	var out []*Interface
	for _, ifc := range n.inner.Interfaces() {
		out = append(out, &Interface{slice: n.slice, inner: ifc})
	}
	return out
}

// GetInterface returns a node interface by name.
func (n *Node) GetInterface(name string) (*Interface, error) {
	for _, ifc := range n.inner.Interfaces() {
		if ifc.Name == name {
			return &Interface{slice: n.slice, inner: ifc}, nil
		}
	}
	return nil, util.NewNotFoundError("interface", name)
}

// ============================================================
// Remote execution
// ============================================================

// ExecuteOptions tunes one remote command invocation. Zero values take the
// defaults of 3 attempts spaced 10 seconds apart.
type ExecuteOptions struct {
	Retry         int
	RetryInterval time.Duration

	// Timeout kills the remote command after this long.
	Timeout time.Duration
	// ReadTimeout bounds each wait for fresh output.
	ReadTimeout time.Duration
	// OutputFile, when set, receives stdout and stderr progressively.
	OutputFile string
	// Quiet suppresses the per-command info log.
	Quiet bool
}

func (o *ExecuteOptions) fillDefaults() {
	if o.Retry <= 0 {
		o.Retry = defaultExecRetry
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = defaultExecInterval
	}
}

// Execute runs a shell command on the node with default options.
func (n *Node) Execute(ctx context.Context, command string) (*bastion.Result, error) {
	return n.ExecuteWith(ctx, command, ExecuteOptions{})
}

// ExecuteWith runs a shell command on the node over a fresh double-hop SSH
// connection. Transport failures are retried up to Retry attempts with
// RetryInterval between them; on exhaustion the last underlying error is
// returned as-is so callers can tell authentication failures from
// connectivity failures. Every attempt's connection is closed whether the
// attempt succeeds or fails. A nonzero remote exit status is reported in
// the Result, not as an error.
func (n *Node) ExecuteWith(ctx context.Context, command string, opts ExecuteOptions) (*bastion.Result, error) {
	opts.fillDefaults()
	if !opts.Quiet {
		util.WithNode(n.inner.Name).Infof("execute: %s", command)
	}

	var outFile *os.File
	execOpts := bastion.ExecOptions{Timeout: opts.Timeout, ReadTimeout: opts.ReadTimeout}
	if opts.OutputFile != "" {
		f, err := os.Create(opts.OutputFile)
		if err != nil {
			return nil, fmt.Errorf("output file: %w", err)
		}
		outFile = f
		execOpts.Output = f
		defer outFile.Close()
	}

	var result *bastion.Result
	err := n.withSession(ctx, opts.Retry, opts.RetryInterval, func(s bastion.Session) error {
		r, err := s.Exec(ctx, command, execOpts)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// withSession runs fn against a fresh session, retrying transport and fn
// failures. The management IP's address family is validated before any
// dialing; an invalid address fails immediately with no retry. Each
// attempt's session is closed before the next begins.
func (n *Node) withSession(ctx context.Context, retry int, interval time.Duration, fn func(bastion.Session) error) error {
	mgmtIP := n.inner.ManagementIP
	if mgmtIP == "" {
		return fmt.Errorf("node %s: %w: no management IP", n.inner.Name, util.ErrNotProvisioned)
	}
	if util.FamilyOf(mgmtIP) == util.AddrInvalid {
		return fmt.Errorf("node %s: management IP %q is not a valid address", n.inner.Name, mgmtIP)
	}
	target, err := n.slice.mgr.nodeTarget(mgmtIP)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= retry; attempt++ {
		if attempt > 1 {
			sleepFn(interval)
		}
		err := func() error {
			session, err := n.slice.mgr.transport.Connect(ctx, target)
			if err != nil {
				return err
			}
			defer session.Close()
			return fn(session)
		}()
		if err == nil {
			return nil
		}
		lastErr = err
		util.WithNode(n.inner.Name).Warnf("attempt %d/%d failed: %v", attempt, retry, err)
	}
	return lastErr
}

// TestSSH probes the node with a single quick command over one attempt.
func (n *Node) TestSSH(ctx context.Context) error {
	_, err := n.ExecuteWith(ctx, "echo ready", ExecuteOptions{Retry: 1, Quiet: true})
	return err
}

// ============================================================
// File transfer
// ============================================================

// UploadFile copies a local file to the node over SFTP.
func (n *Node) UploadFile(ctx context.Context, localPath, remotePath string) error {
	return n.withSession(ctx, defaultExecRetry, defaultExecInterval, func(s bastion.Session) error {
		client, err := s.SFTP()
		if err != nil {
			return err
		}
		defer client.Close()
		return bastion.UploadFile(client, localPath, remotePath, 0o644)
	})
}

// DownloadFile copies a file from the node to the local filesystem.
func (n *Node) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	return n.withSession(ctx, defaultExecRetry, defaultExecInterval, func(s bastion.Session) error {
		client, err := s.SFTP()
		if err != nil {
			return err
		}
		defer client.Close()
		return bastion.DownloadFile(client, remotePath, localPath)
	})
}

// UploadDirectory transfers a directory tree to the node. SFTP has no
// recursive primitive, so the tree goes up as one gzip tarball and is
// unpacked remotely.
func (n *Node) UploadDirectory(ctx context.Context, localDir, remoteDir string) error {
	tmp, err := os.CreateTemp("", "fablib-upload-*.tar.gz")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := bastion.PackDirectory(localDir, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	remoteTar := path.Join("/tmp", filepath.Base(tmp.Name()))
	if err := n.UploadFile(ctx, tmp.Name(), remoteTar); err != nil {
		return err
	}
	cmd := fmt.Sprintf("mkdir -p %s && tar -C %s -xzf %s && rm -f %s", remoteDir, remoteDir, remoteTar, remoteTar)
	result, err := n.ExecuteWith(ctx, cmd, ExecuteOptions{Quiet: true})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("remote unpack failed (exit %d): %s", result.ExitCode, result.Stderr)
	}
	return nil
}

// DownloadDirectory transfers a directory tree from the node, packed
// remotely into one gzip tarball and unpacked locally.
func (n *Node) DownloadDirectory(ctx context.Context, remoteDir, localDir string) error {
	remoteTar := fmt.Sprintf("/tmp/fablib-download-%d.tar.gz", time.Now().UnixNano())
	cmd := fmt.Sprintf("tar -C %s -czf %s %s", path.Dir(remoteDir), remoteTar, path.Base(remoteDir))
	result, err := n.ExecuteWith(ctx, cmd, ExecuteOptions{Quiet: true})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("remote pack failed (exit %d): %s", result.ExitCode, result.Stderr)
	}
	defer n.ExecuteWith(ctx, fmt.Sprintf("rm -f %s", remoteTar), ExecuteOptions{Retry: 1, Quiet: true})

	tmp, err := os.CreateTemp("", "fablib-download-*.tar.gz")
	if err != nil {
		return err
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	if err := n.DownloadFile(ctx, remoteTar, tmp.Name()); err != nil {
		return err
	}
	f, err := os.Open(tmp.Name())
	if err != nil {
		return err
	}
	defer f.Close()
	return bastion.UnpackDirectory(f, localDir)
}

// ============================================================
// Tunnels
// ============================================================

// nodeTunnel pairs a tunnel with the session that carries it. Tunnels keep
// their connection open for their whole lifetime, unlike per-command
// execution.
type nodeTunnel struct {
	tunnel  *bastion.Tunnel
	session bastion.Session
}

// CreateTunnel opens a forward tunnel from a local listener to an address
// inside the node. The tunnel is tracked for later teardown by name. A
// non-persistent tunnel serves a single connection and then stops listening.
func (n *Node) CreateTunnel(ctx context.Context, name, localAddr, remoteAddr string, persistent bool) (*bastion.Tunnel, error) {
	return n.openTunnel(ctx, name, func(s bastion.Session) (*bastion.Tunnel, error) {
		return bastion.NewForwardTunnel(name, s.SSHClient(), localAddr, remoteAddr, persistent)
	})
}

// ReverseForwardTunnel opens a reverse tunnel: the node's sshd listens on
// remoteAddr and connections there are forwarded back to localAddr on the
// caller's machine.
func (n *Node) ReverseForwardTunnel(ctx context.Context, name, remoteAddr, localAddr string, persistent bool) (*bastion.Tunnel, error) {
	return n.openTunnel(ctx, name, func(s bastion.Session) (*bastion.Tunnel, error) {
		return bastion.NewReverseTunnel(name, s.SSHClient(), remoteAddr, localAddr, persistent)
	})
}

func (n *Node) openTunnel(ctx context.Context, name string, open func(bastion.Session) (*bastion.Tunnel, error)) (*bastion.Tunnel, error) {
	mgmtIP := n.inner.ManagementIP
	if mgmtIP == "" {
		return nil, fmt.Errorf("node %s: %w: no management IP", n.inner.Name, util.ErrNotProvisioned)
	}
	target, err := n.slice.mgr.nodeTarget(mgmtIP)
	if err != nil {
		return nil, err
	}
	session, err := n.slice.mgr.transport.Connect(ctx, target)
	if err != nil {
		return nil, err
	}
	tunnel, err := open(session)
	if err != nil {
		session.Close()
		return nil, err
	}
	n.slice.trackTunnel(n.inner.Name, &nodeTunnel{tunnel: tunnel, session: session})
	return tunnel, nil
}

// CloseTunnel tears down one tracked tunnel by name.
func (n *Node) CloseTunnel(name string) error {
	return n.slice.closeTunnel(n.inner.Name, name)
}

// CloseAllTunnels tears down every tracked tunnel on this node.
func (n *Node) CloseAllTunnels() {
	n.slice.closeNodeTunnels(n.inner.Name)
}

// ============================================================
// OS-level network configuration
// ============================================================

// ipCommand selects the ip command form for a network context. IPv6 FABNet
// services need the -6 form; with no resolvable context IPv4 is assumed.
func ipCommand(network *NetworkService) string {
	if network != nil && network.Type().IPv6() {
		return "ip -6"
	}
	return "ip"
}

// IPAddrAdd assigns an address to an OS device.
func (n *Node) IPAddrAdd(ctx context.Context, dev string, addr net.IP, prefixLen int, network *NetworkService) error {
	cmd := fmt.Sprintf("sudo %s addr add %s/%d dev %s", ipCommand(network), addr, prefixLen, dev)
	_, err := n.Execute(ctx, cmd)
	return err
}

// IPAddrDel removes an address from an OS device.
func (n *Node) IPAddrDel(ctx context.Context, dev string, addr net.IP, prefixLen int, network *NetworkService) error {
	cmd := fmt.Sprintf("sudo %s addr del %s/%d dev %s", ipCommand(network), addr, prefixLen, dev)
	_, err := n.Execute(ctx, cmd)
	return err
}

// IPRouteAdd installs a route through a gateway.
func (n *Node) IPRouteAdd(ctx context.Context, subnet *net.IPNet, gateway net.IP, network *NetworkService) error {
	cmd := fmt.Sprintf("sudo %s route add %s via %s", ipCommand(network), subnet, gateway)
	_, err := n.Execute(ctx, cmd)
	return err
}

// IPRouteDel removes a route through a gateway.
func (n *Node) IPRouteDel(ctx context.Context, subnet *net.IPNet, gateway net.IP, network *NetworkService) error {
	cmd := fmt.Sprintf("sudo %s route del %s via %s", ipCommand(network), subnet, gateway)
	_, err := n.Execute(ctx, cmd)
	return err
}

// IPLinkUp brings an OS device up.
func (n *Node) IPLinkUp(ctx context.Context, dev string) error {
	_, err := n.Execute(ctx, fmt.Sprintf("sudo ip link set dev %s up", dev))
	return err
}

// IPLinkDown takes an OS device down.
func (n *Node) IPLinkDown(ctx context.Context, dev string) error {
	_, err := n.Execute(ctx, fmt.Sprintf("sudo ip link set dev %s down", dev))
	return err
}

// AddVLANOSInterface creates a tagged sub-interface on a base device and
// brings both up.
func (n *Node) AddVLANOSInterface(ctx context.Context, baseDev, vlan string) error {
	cmd := fmt.Sprintf("sudo ip link add link %s name %s.%s type vlan id %s", baseDev, baseDev, vlan, vlan)
	if _, err := n.Execute(ctx, cmd); err != nil {
		return err
	}
	if err := n.IPLinkUp(ctx, baseDev); err != nil {
		return err
	}
	return n.IPLinkUp(ctx, fmt.Sprintf("%s.%s", baseDev, vlan))
}

// RemoveVLANOSInterface deletes a tagged sub-interface.
func (n *Node) RemoveVLANOSInterface(ctx context.Context, dev string) error {
	_, err := n.Execute(ctx, fmt.Sprintf("sudo ip link del %s", dev))
	return err
}

// FlushOSInterface removes all addresses from an OS device.
func (n *Node) FlushOSInterface(ctx context.Context, dev string) error {
	_, err := n.Execute(ctx, fmt.Sprintf("sudo ip addr flush dev %s", dev))
	return err
}

// NetworkManagerStop stops the OS network manager so it cannot race the
// manual VLAN and address configuration that follows.
func (n *Node) NetworkManagerStop(ctx context.Context) error {
	_, err := n.Execute(ctx, "sudo systemctl stop NetworkManager")
	if err != nil {
		return err
	}
	util.WithNode(n.inner.Name).Debug("stopped NetworkManager")
	return nil
}

// UnmanageInterface tells the network manager to leave a device alone
// without stopping the whole service.
func (n *Node) UnmanageInterface(ctx context.Context, dev string) error {
	_, err := n.Execute(ctx, fmt.Sprintf("sudo nmcli dev set %s managed no", dev))
	return err
}

// PingTest sends a few probes to a target address from this node.
func (n *Node) PingTest(ctx context.Context, target string) (bool, error) {
	result, err := n.ExecuteWith(ctx, fmt.Sprintf("ping -c 3 -W 2 %s", target), ExecuteOptions{Quiet: true})
	if err != nil {
		return false, err
	}
	return result.ExitCode == 0, nil
}

// IPAddrList returns the node's parsed `ip -j addr` dump. The dump is
// cached per node; pass refresh to force a new fetch.
func (n *Node) IPAddrList(ctx context.Context, refresh bool) (interface{}, error) {
	if !refresh {
		if cached, ok := n.slice.cachedAddrDump(n.inner.Name); ok {
			return cached, nil
		}
	}
	result, err := n.ExecuteWith(ctx, "ip -j addr list", ExecuteOptions{Quiet: true})
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("ip addr list failed (exit %d): %s", result.ExitCode, result.Stderr)
	}
	var dump interface{}
	if err := json.Unmarshal([]byte(result.Stdout), &dump); err != nil {
		return nil, fmt.Errorf("parsing ip addr list: %w", err)
	}
	n.slice.storeAddrDump(n.inner.Name, dump)
	return dump, nil
}

// DeviceByMAC resolves the OS device name carrying the given MAC address
// by querying the node's address dump.
func (n *Node) DeviceByMAC(ctx context.Context, mac string) (string, error) {
	dump, err := n.IPAddrList(ctx, false)
	if err != nil {
		return "", err
	}
	query, err := gojq.Parse(fmt.Sprintf(".[] | select(.address == %q) | .ifname", mac))
	if err != nil {
		return "", fmt.Errorf("device query: %w", err)
	}
	iter := query.Run(dump)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if qerr, isErr := v.(error); isErr {
			return "", fmt.Errorf("device query: %w", qerr)
		}
		if name, isStr := v.(string); isStr && name != "" {
			return name, nil
		}
	}
	return "", fmt.Errorf("node %s: no OS device with MAC %s", n.inner.Name, mac)
}
