package stepdiff

import (
	"context"
	"io"
	"strconv"

	"github.com/valerio/go-stepdiff/stepdiff/backend"
	"github.com/valerio/go-stepdiff/stepdiff/session"
)

// Launcher starts the three processes of a run.
type Launcher interface {
	// LaunchEmulator starts the emulator under test and waits for its first prompt.
	LaunchEmulator(ctx context.Context) (backend.Backend, error)
	// LaunchReference starts the reference emulator waiting for a debugger on the port.
	LaunchReference(ctx context.Context) (io.Closer, error)
	// LaunchDebugger starts the debugger and attaches it to the reference emulator.
	LaunchDebugger(ctx context.Context) (backend.Backend, error)
}

type processLauncher struct {
	cfg Config
}

// NewLauncher returns a Launcher spawning real processes as described by cfg.
func NewLauncher(cfg Config) Launcher {
	return &processLauncher{cfg: cfg}
}

func (l *processLauncher) LaunchEmulator(ctx context.Context) (backend.Backend, error) {
	s, err := session.Spawn(
		[]string{l.cfg.Emulator, l.cfg.Target},
		session.WithName("emulator"),
		session.WithTimeout(l.cfg.Timeout),
	)
	if err != nil {
		return nil, err
	}
	emu, err := backend.NewEmulator(ctx, s, l.cfg.EmulatorProtocol, l.cfg.Catalog)
	if err != nil {
		s.Close()
		return nil, err
	}
	return emu, nil
}

func (l *processLauncher) LaunchReference(ctx context.Context) (io.Closer, error) {
	s, err := session.Spawn(
		[]string{l.cfg.Reference, "-g", strconv.Itoa(l.cfg.Port), l.cfg.Target},
		session.WithName("reference"),
	)
	if err != nil {
		return nil, err
	}
	// the target's own output ends up here; nothing answers on this stream
	s.Drain()
	return s, nil
}

func (l *processLauncher) LaunchDebugger(ctx context.Context) (backend.Backend, error) {
	s, err := session.Spawn(
		[]string{l.cfg.Debugger},
		session.WithName("debugger"),
		session.WithTimeout(l.cfg.Timeout),
	)
	if err != nil {
		return nil, err
	}
	attach := l.cfg.Attach
	attach.Port = l.cfg.Port
	dbg, err := backend.AttachDebugger(ctx, s, l.cfg.DebuggerProtocol, l.cfg.Catalog, attach)
	if err != nil {
		s.Close()
		return nil, err
	}
	return dbg, nil
}
