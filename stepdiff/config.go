package stepdiff

import (
	"errors"
	"fmt"
	"time"

	"github.com/valerio/go-stepdiff/stepdiff/backend"
	"github.com/valerio/go-stepdiff/stepdiff/regs"
)

// Mode selects what happens when the backends diverge.
type Mode int

const (
	// FailFast stops the run at the first divergence.
	FailFast Mode = iota
	// Tolerant pauses for the operator on every new divergence and keeps stepping.
	Tolerant
)

func (m Mode) String() string {
	switch m {
	case FailFast:
		return "fail-fast"
	case Tolerant:
		return "tolerant"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts the names printed by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "fail-fast", "failfast":
		return FailFast, nil
	case "tolerant", "interactive":
		return Tolerant, nil
	}
	return 0, fmt.Errorf("unknown mode %q (want fail-fast or tolerant)", s)
}

// Builds names the four executables produced by the emulator's build script.
type Builds struct {
	Debug   string
	Auto    string
	Release string
	Test    string
}

func DefaultBuilds() Builds {
	return Builds{
		Debug:   "./debug_gingersnap",
		Auto:    "./auto_gingersnap",
		Release: "./release_gingersnap",
		Test:    "./test_gingersnap",
	}
}

// Path returns the executable of a named build. The test build has its own
// entry point and no debug prompt, so it cannot be stepped.
func (b Builds) Path(name string) (string, error) {
	switch name {
	case "debug":
		return b.Debug, nil
	case "auto":
		return b.Auto, nil
	case "release":
		return b.Release, nil
	case "test":
		return "", errors.New("the test build runs unit tests and cannot be stepped")
	}
	return "", fmt.Errorf("unknown build %q (want debug, auto or release)", name)
}

// Config holds everything a run needs.
type Config struct {
	Target    string // binary executed by both backends
	Emulator  string // emulator under test
	Reference string // instruction-accurate emulator with a gdb stub
	Debugger  string
	Port      int

	EmulatorProtocol backend.Protocol
	DebuggerProtocol backend.Protocol
	// Attach is sent to the debugger; its Port is overridden by Port.
	Attach backend.AttachSequence

	Catalog    regs.Catalog
	Ignore     []string // registers whose divergence is immaterial
	PCRegister string   // catalog entry reported alongside divergences

	Mode Mode
	// StrayProcesses are terminated before anything is spawned so the port is free.
	StrayProcesses []string

	Timeout      time.Duration // bound on each prompt wait, 0 waits forever
	AttachDelay  time.Duration // time the reference emulator gets to open its port
	PauseTimeout time.Duration // tolerant mode auto-resumes after this, 0 waits for the operator
	MaxSteps     int           // 0 steps until stopped
	RecentLines  int           // log lines included in divergence reports
}

func DefaultConfig() Config {
	const reference = "qemu-riscv64"
	return Config{
		Target:           "./target",
		Emulator:         DefaultBuilds().Auto,
		Reference:        reference,
		Debugger:         "./riscv_build_toolchain/bin/riscv64-unknown-elf-gdb",
		Port:             1234,
		EmulatorProtocol: backend.EmulatorProtocol,
		DebuggerProtocol: backend.DebuggerProtocol,
		Attach:           backend.DefaultAttach(1234),
		Catalog:          regs.DefaultCatalog(),
		Ignore:           []string{"sp"},
		PCRegister:       "pc",
		Mode:             FailFast,
		StrayProcesses:   []string{reference},
		Timeout:          10 * time.Second,
		AttachDelay:      time.Second,
		MaxSteps:         0,
		RecentLines:      12,
	}
}

// Validate reports the first problem that would make a run meaningless.
func (c Config) Validate() error {
	switch {
	case c.Target == "":
		return errors.New("no target binary")
	case c.Emulator == "":
		return errors.New("no emulator binary")
	case c.Reference == "":
		return errors.New("no reference emulator binary")
	case c.Debugger == "":
		return errors.New("no debugger binary")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Port)
	case len(c.Catalog) == 0:
		return errors.New("empty register catalog")
	case c.Catalog.Index(c.PCRegister) < 0:
		return fmt.Errorf("program counter %q is not in the register catalog", c.PCRegister)
	case c.Mode != FailFast && c.Mode != Tolerant:
		return fmt.Errorf("invalid mode %v", c.Mode)
	case c.Timeout < 0 || c.AttachDelay < 0 || c.PauseTimeout < 0:
		return errors.New("durations must not be negative")
	case c.MaxSteps < 0:
		return errors.New("max steps must not be negative")
	}
	for _, p := range []backend.Protocol{c.EmulatorProtocol, c.DebuggerProtocol} {
		if p.Prompt == "" || p.DumpCommand == "" || p.StepCommand == "" {
			return errors.New("backend protocol needs a prompt, a dump command and a step command")
		}
	}
	if c.Attach.Connect == "" {
		return errors.New("debugger attach sequence has no connect command")
	}
	return nil
}
