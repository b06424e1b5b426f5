package backend

import (
	"context"
	"fmt"

	"github.com/valerio/go-stepdiff/stepdiff/regs"
)

// Emulator drives the debug CLI of the emulator under test.
type Emulator struct {
	adapter
}

var _ Backend = (*Emulator)(nil)

// NewEmulator waits for the emulator's first prompt and returns a ready backend.
func NewEmulator(ctx context.Context, conn Conn, proto Protocol, catalog regs.Catalog) (*Emulator, error) {
	e := &Emulator{adapter: newAdapter("emulator", conn, proto, catalog)}
	if _, err := conn.RecvUntil(ctx, proto.Prompt); err != nil {
		return nil, fmt.Errorf("emulator: waiting for first prompt: %w", err)
	}
	e.logger.Info("Emulator ready")
	return e, nil
}
