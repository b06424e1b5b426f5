// Package prompt suspends a tolerant run so an operator can inspect a divergence.
package prompt

import (
	"context"
	"fmt"
	"io"

	"github.com/valerio/go-stepdiff/stepdiff/compare"
	"github.com/valerio/go-stepdiff/stepdiff/regs"
)

// Decision is the operator's answer to a pause.
type Decision int

const (
	Continue Decision = iota
	Quit
)

func (d Decision) String() string {
	switch d {
	case Continue:
		return "continue"
	case Quit:
		return "quit"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Pause describes one surfaced divergence.
type Pause struct {
	Step int
	// PrevEmuPC and PrevRefPC are the program counters of the step that led here.
	// They are empty on the very first step.
	PrevEmuPC regs.Reading
	PrevRefPC regs.Reading
	Diff      compare.DiffSet
	// Recent holds the newest formatted log lines.
	Recent []string
}

// HasPrevPC reports whether the previous step's program counters are known.
func (p Pause) HasPrevPC() bool {
	return p.PrevEmuPC.Value != "" || p.PrevRefPC.Value != ""
}

// Write renders the pause as plain text.
func (p Pause) Write(w io.Writer) error {
	fmt.Fprintf(w, "\ndivergence at step %d\n", p.Step)
	if p.HasPrevPC() {
		if err := compare.FormatPC(w, "previous step", p.PrevEmuPC, p.PrevRefPC); err != nil {
			return err
		}
	}
	if err := p.Diff.Format(w); err != nil {
		return err
	}
	if len(p.Recent) > 0 {
		fmt.Fprintln(w, "recent log:")
		for _, line := range p.Recent {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
	return nil
}

// Prompter blocks until the operator acknowledges a pause or ctx ends.
type Prompter interface {
	Acknowledge(ctx context.Context, p Pause) (Decision, error)
}
