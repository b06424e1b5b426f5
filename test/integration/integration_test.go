package integration

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valerio/go-stepdiff/stepdiff"
	"github.com/valerio/go-stepdiff/stepdiff/prompt"
	"github.com/valerio/go-stepdiff/stepdiff/regs"
	"github.com/valerio/go-stepdiff/stepdiff/session"
)

// scenarioEnv selects how the fake backends behave. When set, the test binary
// plays one of the three backends instead of running tests; which one is told
// apart by its arguments, the same way the launcher invokes the real tools.
const scenarioEnv = "STEPDIFF_FAKE_SCENARIO"

const (
	scenarioAgree     = "agree"
	scenarioDiverge   = "diverge"    // emulator a0 drifts from step 3 on
	scenarioStuck     = "stuck"      // emulator a0 is wrong by the same value from step 3 on
	scenarioMissingPC = "missing-pc" // emulator never prints pc
)

const divergeStep = 3

func TestMain(m *testing.M) {
	if scenario := os.Getenv(scenarioEnv); scenario != "" {
		switch {
		case len(os.Args) == 1:
			fakeDebugger(scenario)
		case os.Args[1] == "-g":
			fakeReference()
		default:
			fakeEmulator(scenario)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// registerValue is what a backend reports for name after step instructions.
func registerValue(emulator bool, scenario, name string, index, step int) string {
	switch name {
	case "pc":
		return fmt.Sprintf("0x%x", 0x10078+4*step)
	case "sp":
		// qemu and the emulator place the stack differently
		if emulator {
			return "0x7ffffff0"
		}
		return "0x40007ffe80"
	case "a0":
		if emulator && step >= divergeStep {
			switch scenario {
			case scenarioDiverge:
				return fmt.Sprintf("0x%x", 0x100+step)
			case scenarioStuck:
				return "0xbad"
			}
		}
		if scenario == scenarioStuck {
			return "0x1"
		}
		return fmt.Sprintf("0x%x", step)
	}
	return fmt.Sprintf("0x%x", 0x1000+index)
}

func fakeEmulator(scenario string) {
	fmt.Print("gingersnap: loaded target\n(debug) ")
	step := 0
	in := bufio.NewScanner(os.Stdin)
	for in.Scan() {
		switch in.Text() {
		case "info registers":
			fmt.Print("zero\t0x0\n")
			for i, name := range regs.DefaultCatalog() {
				if name == "pc" && scenario == scenarioMissingPC {
					continue
				}
				fmt.Printf("%s\t%s\n", name, registerValue(true, scenario, name, i, step))
			}
			fmt.Print("(debug) ")
		case "next instruction":
			step++
			fmt.Print("(debug) ")
		default:
			fmt.Printf("unknown command %q\n(debug) ", in.Text())
		}
	}
}

func fakeReference() {
	// the real stub sits on its port; here it just lives until the session closes
	io.Copy(io.Discard, os.Stdin)
}

func fakeDebugger(scenario string) {
	fmt.Print("GNU gdb (GDB) 13.2\n--Type <RET> for more, q to quit, c to continue without paging--")
	step := 0
	in := bufio.NewScanner(os.Stdin)
	for in.Scan() {
		line := in.Text()
		switch {
		case line == "c":
			fmt.Print("\n(gdb) ")
		case strings.HasPrefix(line, "printf"):
			fmt.Print("stepdiff-sync\n(gdb) ")
		case line == "set pagination off":
			fmt.Print("(gdb) ")
		case strings.HasPrefix(line, "target remote :"):
			fmt.Printf("Remote debugging using %s\n0x0000000000010078 in _start ()\n(gdb) ", strings.TrimPrefix(line, "target remote "))
		case line == "info registers":
			for i, name := range regs.DefaultCatalog() {
				v := registerValue(false, scenario, name, i, step)
				fmt.Printf("%-15s%-19s%s\n", name, v, v)
			}
			fmt.Print("(gdb) ")
		case line == "ni":
			step++
			fmt.Printf("0x%016x in main ()\n(gdb) ", 0x10078+4*step)
		default:
			fmt.Printf("Undefined command: %q.\n(gdb) ", line)
		}
	}
}

// scriptedPrompter answers every pause with Continue and counts them.
type scriptedPrompter struct {
	pauses []prompt.Pause
	quitAt int // quit on this pause, 0 never quits
}

func (p *scriptedPrompter) Acknowledge(_ context.Context, pause prompt.Pause) (prompt.Decision, error) {
	p.pauses = append(p.pauses, pause)
	if p.quitAt > 0 && len(p.pauses) == p.quitAt {
		return prompt.Quit, nil
	}
	return prompt.Continue, nil
}

func fakeConfig(t *testing.T, scenario string) stepdiff.Config {
	t.Helper()
	t.Setenv(scenarioEnv, scenario)

	exe, err := os.Executable()
	require.NoError(t, err)

	cfg := stepdiff.DefaultConfig()
	cfg.Target = "target.elf"
	cfg.Emulator = exe
	cfg.Reference = exe
	cfg.Debugger = exe
	cfg.StrayProcesses = nil
	cfg.AttachDelay = 0
	cfg.Timeout = 5 * time.Second
	return cfg
}

func runTracer(t *testing.T, cfg stepdiff.Config, p prompt.Prompter) (*stepdiff.Tracer, string, error) {
	t.Helper()
	var out bytes.Buffer
	tracer, err := stepdiff.New(cfg, stepdiff.WithPrompter(p), stepdiff.WithOutput(&out))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = tracer.Run(ctx)
	return tracer, out.String(), err
}

func TestLockstepAgreement(t *testing.T) {
	cfg := fakeConfig(t, scenarioAgree)
	cfg.MaxSteps = 25

	tracer, out, err := runTracer(t, cfg, &scriptedPrompter{})
	require.NoError(t, err)
	assert.Equal(t, stepdiff.Stats{Steps: 25}, tracer.Stats())
	assert.Empty(t, out, "stack pointer differences must not be reported")
}

func TestLockstepFailFast(t *testing.T) {
	cfg := fakeConfig(t, scenarioDiverge)

	tracer, out, err := runTracer(t, cfg, &scriptedPrompter{})

	var div *stepdiff.DivergenceError
	require.True(t, errors.As(err, &div), "got %v", err)
	assert.Equal(t, divergeStep, div.Step)
	require.Len(t, div.Diff, 1)
	assert.Equal(t, "a0", div.Diff[0].Emu.Name)
	assert.Equal(t, "0x103", div.Diff[0].Emu.Value)
	assert.Equal(t, "0x3", div.Diff[0].Ref.Value)
	assert.Equal(t, "0x10084", div.EmuPC.Value)

	assert.Equal(t, divergeStep, tracer.Stats().Steps)
	assert.Contains(t, out, "registers differ at step 3")
	assert.Contains(t, out, "current: emu pc 0x10084, ref pc 0x10084")
}

func TestLockstepTolerant(t *testing.T) {
	t.Run("every new divergence pauses", func(t *testing.T) {
		cfg := fakeConfig(t, scenarioDiverge)
		cfg.Mode = stepdiff.Tolerant
		cfg.MaxSteps = 6

		p := &scriptedPrompter{}
		tracer, _, err := runTracer(t, cfg, p)
		require.NoError(t, err)
		// a0 differs by a new value on steps 3 to 6, the state after the last step included
		assert.Len(t, p.pauses, 4)
		assert.Equal(t, stepdiff.Stats{Steps: 6, Divergences: 4}, tracer.Stats())
		assert.Equal(t, "0x10080", p.pauses[0].PrevEmuPC.Value)
	})

	t.Run("repeated divergence pauses once", func(t *testing.T) {
		cfg := fakeConfig(t, scenarioStuck)
		cfg.Mode = stepdiff.Tolerant
		cfg.MaxSteps = 10

		p := &scriptedPrompter{}
		_, _, err := runTracer(t, cfg, p)
		require.NoError(t, err)
		require.Len(t, p.pauses, 1)
		assert.Equal(t, divergeStep, p.pauses[0].Step)
	})

	t.Run("operator quits", func(t *testing.T) {
		cfg := fakeConfig(t, scenarioDiverge)
		cfg.Mode = stepdiff.Tolerant

		p := &scriptedPrompter{quitAt: 2}
		tracer, _, err := runTracer(t, cfg, p)
		require.NoError(t, err)
		assert.Len(t, p.pauses, 2)
		assert.Equal(t, divergeStep+1, tracer.Stats().Steps)
	})
}

func TestLockstepMissingProgramCounter(t *testing.T) {
	cfg := fakeConfig(t, scenarioMissingPC)

	_, _, err := runTracer(t, cfg, &scriptedPrompter{})
	var missing *regs.MissingRegisterError
	require.True(t, errors.As(err, &missing), "got %v", err)
	assert.Equal(t, "pc", missing.Name)
}

func TestLockstepSpawnFailure(t *testing.T) {
	cfg := fakeConfig(t, scenarioAgree)
	cfg.Debugger = "/nonexistent/riscv64-unknown-elf-gdb"

	_, _, err := runTracer(t, cfg, &scriptedPrompter{})
	assert.ErrorIs(t, err, session.ErrSpawn)
}
