package backend

import (
	"context"
	"fmt"

	"github.com/valerio/go-stepdiff/stepdiff/regs"
)

// AttachSequence is what gdb is told before it can step the reference emulator.
type AttachSequence struct {
	// Acknowledge dismisses the startup pager ("c" continues without paging).
	// Whether gdb printed a prompt before it is unknown, so it is followed by a sync.
	Acknowledge string
	// SyncCommand makes the debugger print SyncMarker. Everything up to the prompt
	// after the marker is discarded, leaving the session aligned on one prompt per command.
	SyncCommand string
	SyncMarker  string
	// DisablePaging keeps long register dumps from stopping at a pager prompt.
	DisablePaging string
	// Connect is a format string taking the remote port.
	Connect string
	Port    int
}

// DefaultAttach connects to a gdb stub on port.
func DefaultAttach(port int) AttachSequence {
	return AttachSequence{
		Acknowledge:   "c",
		SyncCommand:   `printf "%s-%s\n", "stepdiff", "sync"`,
		SyncMarker:    "stepdiff-sync\n",
		DisablePaging: "set pagination off",
		Connect:       "target remote :%d",
		Port:          port,
	}
}

// Debugger drives gdb attached to the reference emulator's remote stub.
type Debugger struct {
	adapter
}

var _ Backend = (*Debugger)(nil)

// AttachDebugger runs the attach sequence on a freshly spawned debugger and
// returns once the debugger is connected and showing its prompt.
func AttachDebugger(ctx context.Context, conn Conn, proto Protocol, catalog regs.Catalog, attach AttachSequence) (*Debugger, error) {
	d := &Debugger{adapter: newAdapter("debugger", conn, proto, catalog)}

	if attach.Acknowledge != "" {
		if err := conn.SendLine(attach.Acknowledge); err != nil {
			return nil, fmt.Errorf("attaching debugger: %w", err)
		}
	}
	if attach.SyncCommand != "" {
		if err := d.sync(ctx, attach.SyncCommand, attach.SyncMarker); err != nil {
			return nil, fmt.Errorf("attaching debugger: %w", err)
		}
	} else if _, err := conn.RecvUntil(ctx, proto.Prompt); err != nil {
		return nil, fmt.Errorf("attaching debugger: %w", err)
	}

	if attach.DisablePaging != "" {
		if _, err := d.exec(ctx, attach.DisablePaging); err != nil {
			return nil, fmt.Errorf("attaching debugger: %w", err)
		}
	}
	if _, err := d.exec(ctx, fmt.Sprintf(attach.Connect, attach.Port)); err != nil {
		return nil, fmt.Errorf("attaching debugger: %w", err)
	}

	d.logger.Info("Debugger attached", "port", attach.Port)
	return d, nil
}

func (d *Debugger) sync(ctx context.Context, command, marker string) error {
	if err := d.conn.SendLine(command); err != nil {
		return err
	}
	if _, err := d.conn.RecvUntil(ctx, marker); err != nil {
		return fmt.Errorf("debugger: sync: %w", err)
	}
	if _, err := d.conn.RecvUntil(ctx, d.proto.Prompt); err != nil {
		return fmt.Errorf("debugger: sync: %w", err)
	}
	return nil
}
