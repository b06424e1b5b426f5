package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	// ErrSpawn is returned when the subprocess could not be started.
	ErrSpawn = errors.New("spawn failed")
	// ErrTimeout is returned when a marker does not appear within the session timeout.
	ErrTimeout = errors.New("timed out waiting for prompt")
	// ErrClosed is returned when the subprocess output ends before a marker is seen.
	ErrClosed = errors.New("session output closed")
)

// DefaultTimeout bounds every RecvUntil call unless overridden with WithTimeout.
const DefaultTimeout = 10 * time.Second

// tailSize is how much of the unconsumed output is quoted in errors.
const tailSize = 120

// Session is a line-oriented request/response conversation with one spawned process.
// Output from stdout and stderr is merged into a single stream, like a terminal would show it.
// A Session is not safe for concurrent use; callers issue one request at a time.
type Session struct {
	name    string
	argv    []string
	dir     string
	env     []string
	timeout time.Duration
	eol     string
	logger  *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output *os.File

	chunks  chan []byte
	done    chan struct{}
	readErr error

	pending []byte
	last    string

	closeOnce sync.Once
}

type Option func(*Session)

// WithName sets the name used to attribute log lines and errors.
func WithName(name string) Option { return func(s *Session) { s.name = name } }

// WithTimeout bounds each RecvUntil call. Zero waits forever.
func WithTimeout(d time.Duration) Option { return func(s *Session) { s.timeout = d } }

// WithLineEnding changes the terminator appended by SendLine.
func WithLineEnding(eol string) Option { return func(s *Session) { s.eol = eol } }

// WithDir sets the working directory of the subprocess.
func WithDir(dir string) Option { return func(s *Session) { s.dir = dir } }

// WithEnv sets the environment of the subprocess. Nil inherits the current one.
func WithEnv(env []string) Option { return func(s *Session) { s.env = env } }

// WithLogger replaces slog.Default() as the session logger.
func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.logger = l } }

// Spawn starts argv[0] with the remaining arguments and returns a session attached
// to its standard input and merged output.
func Spawn(argv []string, opts ...Option) (*Session, error) {
	s := &Session{
		argv:    argv,
		timeout: DefaultTimeout,
		eol:     "\n",
		logger:  slog.Default(),
		chunks:  make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command line", ErrSpawn)
	}
	if s.name == "" {
		s.name = argv[0]
	}
	s.logger = s.logger.With("backend", s.name)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.dir
	cmd.Env = s.env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, argv[0], err)
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, argv[0], err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		stdin.Close()
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, argv[0], err)
	}
	// the child holds its own copy of the write end
	pw.Close()

	s.cmd = cmd
	s.stdin = stdin
	s.output = pr

	go s.pump()

	s.logger.Debug("spawned", "argv", argv, "pid", cmd.Process.Pid)
	return s, nil
}

func (s *Session) pump() {
	defer close(s.chunks)
	buf := make([]byte, 4096)
	for {
		n, err := s.output.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.chunks <- chunk:
			case <-s.done:
				return
			}
		}
		if err != nil {
			s.readErr = err
			return
		}
	}
}

// Name returns the session name used in logs.
func (s *Session) Name() string { return s.name }

// Pid returns the process id of the subprocess.
func (s *Session) Pid() int { return s.cmd.Process.Pid }

// SendLine writes text followed by the line terminator to the subprocess.
func (s *Session) SendLine(text string) error {
	s.logger.Debug("send", "line", text)
	if _, err := io.WriteString(s.stdin, text+s.eol); err != nil {
		return fmt.Errorf("%s: write %q: %w", s.name, text, err)
	}
	return nil
}

// RecvUntil blocks until marker appears in the output and returns everything received
// since the previous call, marker included. Bytes after the marker are kept for the next call.
func (s *Session) RecvUntil(ctx context.Context, marker string) (string, error) {
	var deadline <-chan time.Time
	if s.timeout > 0 {
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	needle := []byte(marker)
	for {
		if i := bytes.Index(s.pending, needle); i >= 0 {
			end := i + len(needle)
			out := string(s.pending[:end])
			s.pending = append([]byte(nil), s.pending[end:]...)
			s.last = out
			s.logger.Debug("recv", "marker", marker, "bytes", len(out))
			return out, nil
		}

		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				if s.readErr != nil && !errors.Is(s.readErr, io.EOF) {
					return "", fmt.Errorf("%s: %w before %q: %w", s.name, ErrClosed, marker, s.readErr)
				}
				return "", fmt.Errorf("%s: %w before %q (last output %q)", s.name, ErrClosed, marker, s.tail())
			}
			s.pending = append(s.pending, chunk...)
		case <-deadline:
			return "", fmt.Errorf("%s: %w %q after %v (last output %q)", s.name, ErrTimeout, marker, s.timeout, s.tail())
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Drain consumes all further output, logging it at debug level, so a process nobody
// talks to never blocks on a full pipe. RecvUntil must not be called afterwards.
func (s *Session) Drain() {
	go func() {
		for chunk := range s.chunks {
			s.logger.Debug("output", "text", string(chunk))
		}
	}()
}

// Output returns what the most recent successful RecvUntil returned.
func (s *Session) Output() string { return s.last }

func (s *Session) tail() string {
	if len(s.pending) <= tailSize {
		return string(s.pending)
	}
	return string(s.pending[len(s.pending)-tailSize:])
}

// Close terminates the subprocess and releases its pipes. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.stdin.Close()
		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Warn("failed to kill process", "pid", s.cmd.Process.Pid, "error", err)
		}
		// the exit status of a killed process is not interesting
		_ = s.cmd.Wait()
		s.output.Close()
		s.logger.Debug("closed", "pid", s.cmd.Process.Pid)
	})
	return nil
}
