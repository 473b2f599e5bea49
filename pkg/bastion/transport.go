// Package bastion implements SSH access to provisioned nodes through a fixed
// jump host. Every connection is a double hop: an outer SSH session to the
// bastion, a direct-tcpip channel from the bastion to the node's management
// IP, and an inner SSH session layered over that channel. Connections are
// opened fresh per operation; nothing is pooled or shared across concurrent
// callers.
package bastion

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/fabric-testbed/fablib-go/pkg/util"
)

// Config identifies the jump host and its credentials.
type Config struct {
	Host          string
	User          string
	KeyFile       string
	KeyPassphrase string
}

// Target identifies the node behind the bastion.
type Target struct {
	ManagementIP string
	User         string
	Signer       ssh.Signer
}

// Transport opens sessions to nodes. The production implementation is
// SSHTransport; tests substitute fakes.
type Transport interface {
	Connect(ctx context.Context, target Target) (Session, error)
}

// Session is one established double-hop connection. Close releases the
// inner client, the bastion channel, and the bastion client, in that order.
type Session interface {
	Exec(ctx context.Context, command string, opts ExecOptions) (*Result, error)
	SFTP() (*sftp.Client, error)
	SSHClient() *ssh.Client
	Close() error
}

// SSHTransport dials nodes through the configured bastion.
type SSHTransport struct {
	cfg Config
}

// NewSSHTransport creates a transport for the given bastion.
func NewSSHTransport(cfg Config) *SSHTransport {
	return &SSHTransport{cfg: cfg}
}

// Probe verifies the bastion itself accepts our credentials.
func (t *SSHTransport) Probe(ctx context.Context) error {
	client, err := t.dialBastion(ctx)
	if err != nil {
		return err
	}
	return client.Close()
}

func (t *SSHTransport) dialBastion(ctx context.Context) (*ssh.Client, error) {
	signer, err := LoadSigner(t.cfg.KeyFile, t.cfg.KeyPassphrase)
	if err != nil {
		return nil, fmt.Errorf("bastion key: %w", err)
	}
	config := &ssh.ClientConfig{
		User: t.cfg.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// Testbed bastions rotate VMs behind one name; host keys are not
		// stable enough to pin.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	addr := net.JoinHostPort(t.cfg.Host, "22")
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bastion dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bastion handshake %s: %w", addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Connect establishes the double-hop session to a node. The tunnel source
// address tuple is chosen by the management IP's address family; an address
// that is neither IPv4 nor IPv6 is rejected before any dialing happens.
func (t *SSHTransport) Connect(ctx context.Context, target Target) (Session, error) {
	var laddr *net.TCPAddr
	switch util.FamilyOf(target.ManagementIP) {
	case util.AddrIPv4:
		laddr = &net.TCPAddr{IP: net.IPv4zero, Port: 22}
	case util.AddrIPv6:
		laddr = &net.TCPAddr{IP: net.IPv6zero, Port: 22}
	default:
		return nil, fmt.Errorf("management IP invalid: %q", target.ManagementIP)
	}

	bastionClient, err := t.dialBastion(ctx)
	if err != nil {
		return nil, err
	}

	raddr := &net.TCPAddr{IP: net.ParseIP(target.ManagementIP), Port: 22}
	channel, err := bastionClient.DialTCP("tcp", laddr, raddr)
	if err != nil {
		bastionClient.Close()
		return nil, fmt.Errorf("bastion channel to %s: %w", target.ManagementIP, err)
	}

	nodeConfig := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(target.Signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	nodeAddr := net.JoinHostPort(target.ManagementIP, "22")
	sshConn, chans, reqs, err := ssh.NewClientConn(channel, nodeAddr, nodeConfig)
	if err != nil {
		channel.Close()
		bastionClient.Close()
		return nil, fmt.Errorf("node handshake %s: %w", nodeAddr, err)
	}

	return &sshSession{
		node:    ssh.NewClient(sshConn, chans, reqs),
		channel: channel,
		bastion: bastionClient,
	}, nil
}

type sshSession struct {
	node    *ssh.Client
	channel net.Conn
	bastion *ssh.Client
}

func (s *sshSession) SSHClient() *ssh.Client { return s.node }

func (s *sshSession) SFTP() (*sftp.Client, error) {
	client, err := sftp.NewClient(s.node)
	if err != nil {
		return nil, fmt.Errorf("opening sftp subsystem: %w", err)
	}
	return client, nil
}

// Close tears down all three hops. Errors on individual handles are logged
// rather than returned so every handle gets a close attempt.
func (s *sshSession) Close() error {
	if err := s.node.Close(); err != nil {
		util.Debugf("closing node client: %v", err)
	}
	if err := s.channel.Close(); err != nil {
		util.Debugf("closing bastion channel: %v", err)
	}
	if err := s.bastion.Close(); err != nil {
		util.Debugf("closing bastion client: %v", err)
	}
	return nil
}
