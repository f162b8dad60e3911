package mcpscope

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StdIO is a transport speaking newline-delimited JSON-RPC over an arbitrary
// io.Reader/io.Writer pair. It backs the Command transport and is useful on
// its own for in-process pipes in tests.
//
// Resources must be released by calling Close when the instance is no longer
// needed.
type StdIO struct {
	reader io.Reader
	writer io.Writer
	logger zerolog.Logger

	messages      chan JSONRPCMessage
	writeMessages chan stdIOMessage
	done          chan struct{}
	closeOnce     sync.Once

	mu  sync.Mutex
	err error
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// NewStdIO creates a StdIO transport over the provided reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, opts ...TransportOption) *StdIO {
	options := newTransportOptions(opts)
	return newStdIO(reader, writer, options.logger)
}

func newStdIO(reader io.Reader, writer io.Writer, logger zerolog.Logger) *StdIO {
	return &StdIO{
		reader:        reader,
		writer:        writer,
		logger:        logger.With().Str("transport", "stdio").Logger(),
		messages:      make(chan JSONRPCMessage),
		writeMessages: make(chan stdIOMessage),
		done:          make(chan struct{}),
	}
}

// Start begins the read and write loops and returns the inbound message
// channel. The channel closes when the reader reaches EOF, fails, or the
// transport is closed.
func (s *StdIO) Start(_ context.Context) (<-chan JSONRPCMessage, error) {
	go s.processWriteMessages()
	go s.readMessages()
	return s.messages, nil
}

// Send queues one message for writing. Messages are serialized through a
// single writer goroutine so concurrent senders never interleave frames.
func (s *StdIO) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return &ConnectionLostError{Err: s.Err()}
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Debug().Err(err).Msg("write failed")
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return &ConnectionLostError{Err: s.Err()}
	}
}

// Err reports the terminal read error after the message channel closes.
// A plain EOF is a clean close and reports nil.
func (s *StdIO) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops both loops. It does not close the underlying reader or writer.
func (s *StdIO) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}

func (s *StdIO) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *StdIO) readMessages() {
	defer close(s.messages)

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(s.reader)
	for {
		type lineWithErr struct {
			line string
			err  error
		}

		lines := make(chan lineWithErr, 1)

		// Read in a goroutine so a blocked reader cannot keep us from
		// honoring Close.
		go func() {
			line, err := reader.ReadString('\n')
			if err != nil {
				lines <- lineWithErr{err: err}
				return
			}
			lines <- lineWithErr{line: strings.TrimSuffix(line, "\n")}
		}()

		var lwe lineWithErr
		select {
		case <-s.done:
			return
		case lwe = <-lines:
		}

		if lwe.err != nil {
			if !errors.Is(lwe.err, io.EOF) {
				s.logger.Debug().Err(lwe.err).Msg("read failed")
				s.setErr(lwe.err)
			}
			return
		}

		if lwe.line == "" {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(lwe.line), &msg); err != nil {
			s.logger.Debug().Err(err).Str("line", lwe.line).Msg("skipping unparseable message")
			continue
		}

		select {
		case <-s.done:
			return
		case s.messages <- msg:
		}
	}
}

func (s *StdIO) processWriteMessages() {
	for {
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}

// Command is a transport that spawns a subprocess and speaks newline-delimited
// JSON-RPC over its stdin/stdout. The subprocess's stderr is drained into the
// transport logger.
type Command struct {
	path   string
	args   []string
	env    map[string]string
	logger zerolog.Logger

	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdio     *StdIO
	waitDone  chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	exitErr error
}

func newCommand(path string, args []string, env map[string]string, options transportOptions) *Command {
	return &Command{
		path:     path,
		args:     args,
		env:      env,
		logger:   options.logger.With().Str("transport", "stdio").Str("command", path).Logger(),
		waitDone: make(chan struct{}),
	}
}

// Start spawns the subprocess, wires its pipes, and returns the inbound
// message channel. The channel closes when the process exits or the transport
// is closed.
func (c *Command) Start(ctx context.Context) (<-chan JSONRPCMessage, error) {
	cmd := exec.Command(c.path, c.args...)
	cmd.Env = os.Environ()
	for k, v := range c.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &ConnectionError{Stage: "spawn", Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ConnectionError{Stage: "spawn", Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &ConnectionError{Stage: "spawn", Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return nil, &ConnectionError{Stage: "spawn", Err: err}
	}

	c.cmd = cmd
	c.stdin = stdin
	c.stdio = newStdIO(stdout, stdin, c.logger)

	go c.drainStderr(stderr)
	go func() {
		err := cmd.Wait()
		c.mu.Lock()
		c.exitErr = err
		c.mu.Unlock()
		if err != nil {
			c.logger.Debug().Err(err).Msg("process exited")
		}
		c.stdio.Close()
		close(c.waitDone)
	}()

	return c.stdio.Start(ctx)
}

// Send transmits one message to the subprocess's stdin.
func (c *Command) Send(ctx context.Context, msg JSONRPCMessage) error {
	return c.stdio.Send(ctx, msg)
}

// Err reports why the process side of the connection went away.
func (c *Command) Err() error {
	c.mu.Lock()
	exitErr := c.exitErr
	c.mu.Unlock()
	if exitErr != nil {
		return exitErr
	}
	if c.stdio != nil {
		return c.stdio.Err()
	}
	return nil
}

// Close shuts the subprocess down: stdin is closed to signal EOF, and the
// process is killed if it does not exit shortly after.
func (c *Command) Close() error {
	c.closeOnce.Do(func() {
		if c.stdio != nil {
			c.stdio.Close()
		}
		if c.stdin != nil {
			c.stdin.Close()
		}
		if c.cmd == nil || c.cmd.Process == nil {
			return
		}
		select {
		case <-c.waitDone:
		case <-time.After(5 * time.Second):
			c.logger.Debug().Msg("process did not exit, killing")
			c.cmd.Process.Kill()
			<-c.waitDone
		}
	})
	return nil
}

func (c *Command) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.logger.Debug().Str("stderr", scanner.Text()).Msg("process output")
	}
}
