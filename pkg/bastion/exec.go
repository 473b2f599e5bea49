package bastion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/fabric-testbed/fablib-go/pkg/util"
)

// ExecOptions controls one remote command execution.
type ExecOptions struct {
	// Timeout, when positive, wraps the remote command so a hung process is
	// killed on the node instead of stalling the channel.
	Timeout time.Duration

	// ReadTimeout bounds how long the stream loop waits for a new output
	// chunk before checking whether the remote command has exited.
	// Zero means the default of 10 seconds.
	ReadTimeout time.Duration

	// Output, when non-nil, receives stdout and stderr progressively as
	// chunks arrive, in addition to the buffered Result.
	Output io.Writer
}

// Result is the captured output of a remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

const defaultReadTimeout = 10 * time.Second

// WrapTimeout encapsulates a command with the remote timeout utility.
// The -k grace gives the command 10 seconds to react to TERM before KILL.
func WrapTimeout(command string, d time.Duration) string {
	return fmt.Sprintf("sudo timeout --foreground -k 10 %d %s", int(d.Seconds()), command)
}

type outputChunk struct {
	data   []byte
	stderr bool
}

// Exec runs a command on the node side of the session, streaming stdout and
// stderr incrementally in bounded reads rather than buffering to completion.
func (s *sshSession) Exec(ctx context.Context, command string, opts ExecOptions) (*Result, error) {
	session, err := s.node.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}
	defer session.Close()

	if opts.Timeout > 0 {
		command = WrapTimeout(command, opts.Timeout)
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Start(command); err != nil {
		return nil, fmt.Errorf("starting command: %w", err)
	}

	chunks := make(chan outputChunk, 16)
	readers := 2
	readerDone := make(chan struct{}, 2)
	go readChunks(stdout, false, chunks, readerDone)
	go readChunks(stderr, true, chunks, readerDone)

	exited := make(chan error, 1)
	go func() { exited <- session.Wait() }()

	var outBuf, errBuf bytes.Buffer
	var waitErr error
	sawExit := false

loop:
	for {
		select {
		case chunk := <-chunks:
			buf := &outBuf
			if chunk.stderr {
				buf = &errBuf
			}
			buf.Write(chunk.data)
			if opts.Output != nil {
				if _, werr := opts.Output.Write(chunk.data); werr != nil {
					util.Warnf("writing command output: %v", werr)
				}
			}
		case <-readerDone:
			readers--
			if readers == 0 && sawExit {
				break loop
			}
		case werr := <-exited:
			waitErr = werr
			sawExit = true
			if readers == 0 {
				break loop
			}
		case <-time.After(readTimeout):
			// No fresh output inside the window; only give up once the
			// remote process is known to have exited.
			if sawExit && readers == 0 {
				break loop
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Drain anything buffered between the last read and reader shutdown.
	for {
		select {
		case chunk := <-chunks:
			if chunk.stderr {
				errBuf.Write(chunk.data)
			} else {
				outBuf.Write(chunk.data)
			}
			continue
		default:
		}
		break
	}

	result := &Result{Stdout: outBuf.String(), Stderr: errBuf.String()}
	if waitErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(waitErr, &exitErr) {
			// Non-zero exit is command output, not a transport failure.
			result.ExitCode = exitErr.ExitStatus()
		} else {
			return result, fmt.Errorf("waiting for command: %w", waitErr)
		}
	}
	return result, nil
}

// readChunks pumps bounded reads from r into the chunk channel.
func readChunks(r io.Reader, stderr bool, chunks chan<- outputChunk, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			chunks <- outputChunk{data: data, stderr: stderr}
		}
		if err != nil {
			return
		}
	}
}
