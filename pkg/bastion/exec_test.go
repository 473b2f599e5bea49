package bastion

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// execBehavior scripts what the test server does for one command.
type execBehavior struct {
	stdout   string
	stderr   string
	exitCode int

	// hang, when non-nil, blocks the command until the channel is closed
	// and no exit status is ever sent.
	hang chan struct{}
}

// startSSHServer runs an in-process SSH server that answers exec requests
// from the script and returns a client connected to it.
func startSSHServer(t *testing.T, script map[string]execBehavior) *ssh.Client {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostKey, err := ssh.NewSignerFromSigner(priv)
	if err != nil {
		t.Fatal(err)
	}

	config := &ssh.ServerConfig{NoClientAuth: true}
	config.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSHConn(conn, config, script)
		}
	}()

	client, err := ssh.Dial("tcp", ln.Addr().String(), &ssh.ClientConfig{
		User:            "tester",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("dialing test server: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func serveSSHConn(conn net.Conn, config *ssh.ServerConfig, script map[string]execBehavior) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, requests, script)
	}
}

func serveSession(ch ssh.Channel, requests <-chan *ssh.Request, script map[string]execBehavior) {
	for req := range requests {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			continue
		}
		req.Reply(true, nil)

		behavior := script[payload.Command]
		if behavior.hang != nil {
			<-behavior.hang
			ch.Close()
			return
		}
		if behavior.stdout != "" {
			ch.Write([]byte(behavior.stdout))
		}
		if behavior.stderr != "" {
			ch.Stderr().Write([]byte(behavior.stderr))
		}
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(behavior.exitCode)}))
		ch.Close()
		return
	}
}

func TestExecCapturesStreams(t *testing.T) {
	client := startSSHServer(t, map[string]execBehavior{
		"uname -a": {stdout: "Linux node1\n", stderr: "a warning\n"},
	})
	s := &sshSession{node: client}

	result, err := s.Exec(context.Background(), "uname -a", ExecOptions{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if result.Stdout != "Linux node1\n" {
		t.Errorf("stdout = %q, want %q", result.Stdout, "Linux node1\n")
	}
	if result.Stderr != "a warning\n" {
		t.Errorf("stderr = %q, want %q", result.Stderr, "a warning\n")
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
}

func TestExecNonZeroExitIsResultNotError(t *testing.T) {
	client := startSSHServer(t, map[string]execBehavior{
		"false": {stderr: "boom\n", exitCode: 3},
	})
	s := &sshSession{node: client}

	result, err := s.Exec(context.Background(), "false", ExecOptions{})
	if err != nil {
		t.Fatalf("non-zero exit must not be a transport error, got %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
	if result.Stderr != "boom\n" {
		t.Errorf("stderr = %q, want %q", result.Stderr, "boom\n")
	}
}

func TestExecProgressiveOutput(t *testing.T) {
	client := startSSHServer(t, map[string]execBehavior{
		"cat log": {stdout: "line one\nline two\n"},
	})
	s := &sshSession{node: client}

	var progressive bytes.Buffer
	result, err := s.Exec(context.Background(), "cat log", ExecOptions{Output: &progressive})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if progressive.String() != result.Stdout {
		t.Errorf("progressive output = %q, buffered = %q; want identical", progressive.String(), result.Stdout)
	}
	if !strings.Contains(progressive.String(), "line two") {
		t.Errorf("progressive output missing data: %q", progressive.String())
	}
}

func TestExecContextCancellation(t *testing.T) {
	hang := make(chan struct{})
	defer close(hang)
	client := startSSHServer(t, map[string]execBehavior{
		"sleep 9999": {hang: hang},
	})
	s := &sshSession{node: client}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := s.Exec(ctx, "sleep 9999", ExecOptions{ReadTimeout: time.Second})
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if ctx.Err() == nil {
		t.Fatal("context should have expired")
	}
}
