package bastion

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/fabric-testbed/fablib-go/pkg/util"
)

// Conn is the subset of *ssh.Client a tunnel needs: dialing into the node
// and asking its sshd to listen.
type Conn interface {
	Dial(network, addr string) (net.Conn, error)
	Listen(network, addr string) (net.Listener, error)
}

// Tunnel forwards TCP traffic between the local machine and a node over the
// node's SSH connection. A forward tunnel listens locally and dials the
// remote address inside the node; a reverse tunnel listens inside the node
// and dials the local address. A persistent tunnel serves connections until
// closed; a non-persistent one serves exactly one connection and then stops
// listening.
type Tunnel struct {
	name       string
	localAddr  string
	remoteAddr string
	reverse    bool
	persistent bool

	listener net.Listener
	client   Conn
	done     chan struct{}
	wg       sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// NewForwardTunnel opens a local listener on localAddr (use "127.0.0.1:0"
// for an ephemeral port) and forwards each accepted connection to remoteAddr
// inside the node. The ssh client stays owned by the caller.
func NewForwardTunnel(name string, client Conn, localAddr, remoteAddr string, persistent bool) (*Tunnel, error) {
	listener, err := net.Listen("tcp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("local listen %s: %w", localAddr, err)
	}
	t := &Tunnel{
		name:       name,
		localAddr:  listener.Addr().String(),
		remoteAddr: remoteAddr,
		persistent: persistent,
		listener:   listener,
		client:     client,
		done:       make(chan struct{}),
	}
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

// NewReverseTunnel asks the node's sshd to listen on remoteAddr and forwards
// each connection arriving there back to localAddr on this machine.
func NewReverseTunnel(name string, client Conn, remoteAddr, localAddr string, persistent bool) (*Tunnel, error) {
	listener, err := client.Listen("tcp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("remote listen %s: %w", remoteAddr, err)
	}
	t := &Tunnel{
		name:       name,
		localAddr:  localAddr,
		remoteAddr: listener.Addr().String(),
		reverse:    true,
		persistent: persistent,
		listener:   listener,
		client:     client,
		done:       make(chan struct{}),
	}
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

// Name identifies the tunnel within a node's tunnel set.
func (t *Tunnel) Name() string { return t.name }

// LocalAddr is the local endpoint. For forward tunnels this is the bound
// listener address, including any ephemeral port.
func (t *Tunnel) LocalAddr() string { return t.localAddr }

// RemoteAddr is the endpoint inside the node.
func (t *Tunnel) RemoteAddr() string { return t.remoteAddr }

// Close stops the listener and waits for in-flight forwards to finish.
// The underlying SSH client is left open for the owning node.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		err := t.listener.Close()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			t.closeErr = err
		}
		t.wg.Wait()
	})
	return t.closeErr
}

func (t *Tunnel) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
		}
		if !t.persistent {
			// Serve-one contract: stop listening before handling the
			// connection so no second client can connect.
			t.listener.Close()
			t.wg.Add(1)
			t.forward(conn)
			return
		}
		t.wg.Add(1)
		go t.forward(conn)
	}
}

func (t *Tunnel) forward(src net.Conn) {
	defer t.wg.Done()
	defer src.Close()

	var dst net.Conn
	var err error
	if t.reverse {
		dst, err = net.Dial("tcp", t.localAddr)
	} else {
		dst, err = t.client.Dial("tcp", t.remoteAddr)
	}
	if err != nil {
		util.Debugf("tunnel %s: dialing %v", t.name, err)
		return
	}
	defer dst.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(dst, src)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(src, dst)
		done <- struct{}{}
	}()
	<-done
}
