package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/fabric-testbed/fablib-go/pkg/bastion"
)

// ExecRecord is one observed remote command.
type ExecRecord struct {
	ManagementIP string
	Command      string
}

// FakeTransport implements bastion.Transport with scripted behavior and
// full call accounting, so retry and cleanup semantics can be asserted.
type FakeTransport struct {
	mu sync.Mutex

	// FailConnects makes the first N Connect calls fail.
	FailConnects int
	// FailExecs makes the first N Exec calls fail after connecting.
	FailExecs int
	// Script maps a command substring to its result. First match wins;
	// unmatched commands succeed with empty output.
	Script []ScriptEntry

	ConnectCalls int
	CloseCalls   int
	execCalls    int
	records      []ExecRecord
}

// ScriptEntry scripts the result of commands containing Substr.
type ScriptEntry struct {
	Substr string
	Result bastion.Result
	Err    error
}

var _ bastion.Transport = (*FakeTransport)(nil)

func (f *FakeTransport) Connect(ctx context.Context, target bastion.Target) (bastion.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ConnectCalls++
	if f.ConnectCalls <= f.FailConnects {
		return nil, fmt.Errorf("connect to %s refused", target.ManagementIP)
	}
	return &fakeSession{transport: f, managementIP: target.ManagementIP}, nil
}

// Commands returns the commands observed so far, in order.
func (f *FakeTransport) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.records))
	for i, r := range f.records {
		out[i] = r.Command
	}
	return out
}

// Records returns the full execution log, in order.
func (f *FakeTransport) Records() []ExecRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ExecRecord(nil), f.records...)
}

// CommandCount returns how many observed commands contain substr.
func (f *FakeTransport) CommandCount(substr string) int {
	count := 0
	for _, cmd := range f.Commands() {
		if strings.Contains(cmd, substr) {
			count++
		}
	}
	return count
}

type fakeSession struct {
	transport    *FakeTransport
	managementIP string
}

func (s *fakeSession) Exec(ctx context.Context, command string, opts bastion.ExecOptions) (*bastion.Result, error) {
	f := s.transport
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCalls++
	if f.execCalls <= f.FailExecs {
		return nil, fmt.Errorf("exec %q: connection reset", command)
	}
	f.records = append(f.records, ExecRecord{ManagementIP: s.managementIP, Command: command})
	for _, entry := range f.Script {
		if strings.Contains(command, entry.Substr) {
			if entry.Err != nil {
				return nil, entry.Err
			}
			result := entry.Result
			return &result, nil
		}
	}
	return &bastion.Result{}, nil
}

func (s *fakeSession) SFTP() (*sftp.Client, error) {
	return nil, fmt.Errorf("sftp not supported by fake transport")
}

func (s *fakeSession) SSHClient() *ssh.Client { return nil }

func (s *fakeSession) Close() error {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	s.transport.CloseCalls++
	return nil
}
