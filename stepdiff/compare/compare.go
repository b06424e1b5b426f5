package compare

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/valerio/go-stepdiff/stepdiff/regs"
)

var ErrLengthMismatch = errors.New("snapshots have different lengths")

// LengthMismatchError means the two backends were read with different catalogs.
type LengthMismatchError struct {
	Emu, Ref int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("emulator snapshot has %d registers, reference has %d", e.Emu, e.Ref)
}

func (e *LengthMismatchError) Unwrap() error { return ErrLengthMismatch }

// Record is one catalog position where the two backends disagree.
type Record struct {
	Emu regs.Reading
	Ref regs.Reading
}

// DiffSet lists the disagreeing positions of one step in catalog order.
// An empty DiffSet means both backends agree.
type DiffSet []Record

// Equal reports whether two diff sets hold the same records in the same order.
func (d DiffSet) Equal(other DiffSet) bool {
	if len(d) != len(other) {
		return false
	}
	for i := range d {
		if d[i] != other[i] {
			return false
		}
	}
	return true
}

// Policy is the set of register names whose disagreement is immaterial.
type Policy map[string]bool

// NewPolicy builds a policy ignoring the given register names.
func NewPolicy(names ...string) Policy {
	p := make(Policy, len(names))
	for _, n := range names {
		p[n] = true
	}
	return p
}

// DefaultPolicy ignores the stack pointer, whose layout legitimately differs
// between an instrumented and a reference run.
func DefaultPolicy() Policy { return NewPolicy("sp") }

// Ignores reports whether a mismatch between a and b is covered by the policy.
// Both readings have to name an ignored register.
func (p Policy) Ignores(a, b regs.Reading) bool {
	return p[a.Name] && p[b.Name]
}

// Diff compares two snapshots position by position.
func Diff(emu, ref regs.Snapshot, policy Policy) (DiffSet, error) {
	if len(emu) != len(ref) {
		return nil, &LengthMismatchError{Emu: len(emu), Ref: len(ref)}
	}

	var diff DiffSet
	for i := range emu {
		if emu[i] == ref[i] {
			continue
		}
		if policy.Ignores(emu[i], ref[i]) {
			continue
		}
		diff = append(diff, Record{Emu: emu[i], Ref: ref[i]})
	}
	return diff, nil
}

// Format writes one aligned line per record.
func (d DiffSet) Format(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "register\temulator\treference")
	for _, r := range d {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Emu.Name, r.Emu.Value, r.Ref.Value)
	}
	return tw.Flush()
}

// FormatPC writes the program counter of both backends on one line.
func FormatPC(w io.Writer, label string, emu, ref regs.Reading) error {
	_, err := fmt.Fprintf(w, "%s: emu pc %s, ref pc %s\n", label, emu.Value, ref.Value)
	return err
}
