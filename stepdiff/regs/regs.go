package regs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingRegister = errors.New("register not found in output")
	ErrCatalogLength   = errors.New("snapshot length does not match catalog")
)

// Catalog is the ordered list of register identifiers both backends report.
// Readings from two backends correspond by position, not by name.
type Catalog []string

// riscv64 is the order in which both the emulator and gdb print the RV64I integer registers.
var riscv64 = Catalog{
	"ra", "sp", "gp", "tp", "t0", "t1", "t2", "fp", "s1",
	"a0", "a1", "a2", "a3", "a4", "a5", "a6", "a7",
	"s2", "s3", "s4", "s5", "s6", "s7", "s8", "s9", "s10", "s11",
	"t3", "t4", "t5", "t6", "pc",
}

// DefaultCatalog returns a copy of the RISC-V integer register catalog, program counter last.
func DefaultCatalog() Catalog {
	return append(Catalog(nil), riscv64...)
}

// ParseCatalog parses a comma or whitespace separated list of identifiers.
func ParseCatalog(s string) (Catalog, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	if len(fields) == 0 {
		return nil, errors.New("empty register catalog")
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if seen[f] {
			return nil, fmt.Errorf("duplicate register %q in catalog", f)
		}
		seen[f] = true
	}
	return Catalog(fields), nil
}

// Index returns the position of name in the catalog, or -1.
func (c Catalog) Index(name string) int {
	for i, n := range c {
		if n == name {
			return i
		}
	}
	return -1
}

// Reading is one register as a backend printed it. Value is never interpreted.
type Reading struct {
	Name  string
	Value string
}

func (r Reading) String() string {
	return r.Name + " " + r.Value
}

// Snapshot holds one reading per catalog entry, in catalog order.
type Snapshot []Reading

// MissingRegisterError reports a catalog identifier that had no line in the output.
type MissingRegisterError struct {
	Name string
}

func (e *MissingRegisterError) Error() string {
	return fmt.Sprintf("register %q not found in output", e.Name)
}

func (e *MissingRegisterError) Unwrap() error { return ErrMissingRegister }

// CatalogLengthError reports a snapshot whose length differs from its catalog.
type CatalogLengthError struct {
	Want, Got int
}

func (e *CatalogLengthError) Error() string {
	return fmt.Sprintf("snapshot has %d registers, catalog has %d", e.Got, e.Want)
}

func (e *CatalogLengthError) Unwrap() error { return ErrCatalogLength }

// ReadSnapshot extracts one reading per catalog identifier from a register dump.
//
// Identifiers are located in catalog order, scanning forward from the line after the
// previous match, so the dump must list registers in the same order as the catalog.
// A line matches when one of its whitespace separated fields equals the identifier;
// "s1" never matches a line for "s10". The first two fields of the matching line
// become the reading.
func ReadSnapshot(output string, catalog Catalog) (Snapshot, error) {
	lines := strings.Split(output, "\n")
	snap := make(Snapshot, 0, len(catalog))

	cursor := 0
	for _, name := range catalog {
		found := false
		for cursor < len(lines) {
			fields := strings.Fields(lines[cursor])
			cursor++
			if len(fields) < 2 || !hasField(fields, name) {
				continue
			}
			snap = append(snap, Reading{Name: fields[0], Value: fields[1]})
			found = true
			break
		}
		if !found {
			return nil, &MissingRegisterError{Name: name}
		}
	}

	if len(snap) != len(catalog) {
		return nil, &CatalogLengthError{Want: len(catalog), Got: len(snap)}
	}
	return snap, nil
}

func hasField(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}
