package regs

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const emulatorDump = "\nzero\t0x0\n" +
	"ra\t0x10\n" +
	"sp\t0x7fff\n" +
	"pc\t0x1000\n" +
	"(debug) "

const gdbDump = "ra             0x20\t0x20 <main+4>\n" +
	"sp             0x8000\t0x8000\n" +
	"pc             0x1000\t0x1000 <main+8>\n" +
	"(gdb) "

func TestReadSnapshot(t *testing.T) {
	catalog := Catalog{"ra", "sp", "pc"}

	tests := []struct {
		name   string
		output string
		want   Snapshot
	}{
		{
			name:   "emulator format",
			output: emulatorDump,
			want:   Snapshot{{"ra", "0x10"}, {"sp", "0x7fff"}, {"pc", "0x1000"}},
		},
		{
			name:   "gdb format",
			output: gdbDump,
			want:   Snapshot{{"ra", "0x20"}, {"sp", "0x8000"}, {"pc", "0x1000"}},
		},
		{
			name:   "noise between registers",
			output: "info registers\nra 0x1\nwarning: something\nsp 0x2\n\npc 0x3\n",
			want:   Snapshot{{"ra", "0x1"}, {"sp", "0x2"}, {"pc", "0x3"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadSnapshot(tt.output, catalog)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Len(t, got, len(catalog))
		})
	}
}

func TestReadSnapshotMissingRegister(t *testing.T) {
	output := "ra\t0x10\nsp\t0x7fff\n(debug) "
	_, err := ReadSnapshot(output, Catalog{"ra", "sp", "pc"})

	var missing *MissingRegisterError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "pc", missing.Name)
	assert.ErrorIs(t, err, ErrMissingRegister)
}

func TestReadSnapshotExactToken(t *testing.T) {
	// s10 must not satisfy a lookup for s1
	output := "s10\t0xaa\ns1\t0xbb\n"
	got, err := ReadSnapshot(output, Catalog{"s1"})
	require.NoError(t, err)
	assert.Equal(t, Snapshot{{"s1", "0xbb"}}, got)

	_, err = ReadSnapshot("s10\t0xaa\n", Catalog{"s1"})
	assert.ErrorIs(t, err, ErrMissingRegister)
}

func TestReadSnapshotOrder(t *testing.T) {
	// registers printed out of catalog order cannot be matched positionally
	output := "sp 0x2\nra 0x1\n"
	_, err := ReadSnapshot(output, Catalog{"ra", "sp"})
	assert.ErrorIs(t, err, ErrMissingRegister)
}

func TestReadSnapshotDefaultCatalog(t *testing.T) {
	catalog := DefaultCatalog()

	var sb strings.Builder
	sb.WriteString("\nzero\t0x0\n")
	for i, name := range catalog {
		fmt.Fprintf(&sb, "%s\t0x%x\n", name, i)
	}
	sb.WriteString("(debug) ")

	snap, err := ReadSnapshot(sb.String(), catalog)
	require.NoError(t, err)
	require.Len(t, snap, len(catalog))
	for i, r := range snap {
		assert.Equal(t, catalog[i], r.Name)
		assert.Equal(t, fmt.Sprintf("0x%x", i), r.Value)
	}
}

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()
	assert.Len(t, c, 32)
	assert.Equal(t, "ra", c[0])
	assert.Equal(t, "pc", c[len(c)-1])
	assert.Equal(t, 1, c.Index("sp"))
	assert.Equal(t, -1, c.Index("zero"))

	// callers get their own copy
	c[0] = "x1"
	assert.Equal(t, "ra", DefaultCatalog()[0])
}

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog("ra, sp,pc")
	require.NoError(t, err)
	assert.Equal(t, Catalog{"ra", "sp", "pc"}, c)

	_, err = ParseCatalog(" , ")
	assert.Error(t, err)

	_, err = ParseCatalog("ra,ra")
	assert.Error(t, err)
}

func TestCatalogLengthError(t *testing.T) {
	err := error(&CatalogLengthError{Want: 32, Got: 31})
	assert.ErrorIs(t, err, ErrCatalogLength)
	assert.Contains(t, err.Error(), "31")
}
