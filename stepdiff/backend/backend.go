package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/valerio/go-stepdiff/stepdiff/regs"
)

// Backend is one instruction-stepping execution engine under comparison.
// Backends are responsible for:
// - Translating snapshot and step requests into their own command syntax
// - Waiting until the engine is quiescent again before returning
// Callers never issue a Step while a Snapshot is outstanding on the same backend.
type Backend interface {
	// Snapshot dumps the registers and returns them in catalog order.
	Snapshot(ctx context.Context) (regs.Snapshot, error)

	// Step executes exactly one instruction.
	Step(ctx context.Context) error

	// Close releases the underlying process.
	Close() error
}

// Conn is the line protocol a backend talks over. *session.Session implements it.
type Conn interface {
	SendLine(text string) error
	RecvUntil(ctx context.Context, marker string) (string, error)
	Close() error
}

// Protocol holds the command syntax and prompt of one backend.
type Protocol struct {
	Prompt      string // printed when the backend is ready for the next command
	DumpCommand string
	StepCommand string
}

// EmulatorProtocol is the debug CLI of the emulator under test.
var EmulatorProtocol = Protocol{
	Prompt:      "(debug) ",
	DumpCommand: "info registers",
	StepCommand: "next instruction",
}

// DebuggerProtocol is gdb's.
var DebuggerProtocol = Protocol{
	Prompt:      "(gdb) ",
	DumpCommand: "info registers",
	StepCommand: "ni",
}

// adapter is the behaviour shared by both backend variants.
type adapter struct {
	name    string
	conn    Conn
	proto   Protocol
	catalog regs.Catalog
	logger  *slog.Logger
}

func newAdapter(name string, conn Conn, proto Protocol, catalog regs.Catalog) adapter {
	return adapter{
		name:    name,
		conn:    conn,
		proto:   proto,
		catalog: catalog,
		logger:  slog.Default().With("backend", name),
	}
}

// exec sends one command and waits for the prompt.
func (a *adapter) exec(ctx context.Context, command string) (string, error) {
	if err := a.conn.SendLine(command); err != nil {
		return "", err
	}
	out, err := a.conn.RecvUntil(ctx, a.proto.Prompt)
	if err != nil {
		return "", fmt.Errorf("%s: %q: %w", a.name, command, err)
	}
	return out, nil
}

func (a *adapter) Snapshot(ctx context.Context) (regs.Snapshot, error) {
	out, err := a.exec(ctx, a.proto.DumpCommand)
	if err != nil {
		return nil, err
	}
	snap, err := regs.ReadSnapshot(out, a.catalog)
	if err != nil {
		a.logger.Debug("unparseable register dump", "output", out)
		return nil, fmt.Errorf("%s: %w", a.name, err)
	}
	return snap, nil
}

func (a *adapter) Step(ctx context.Context) error {
	_, err := a.exec(ctx, a.proto.StepCommand)
	return err
}

func (a *adapter) Close() error {
	return a.conn.Close()
}
