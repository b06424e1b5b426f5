package stepdiff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/valerio/go-stepdiff/stepdiff/backend"
	"github.com/valerio/go-stepdiff/stepdiff/compare"
	"github.com/valerio/go-stepdiff/stepdiff/procman"
	"github.com/valerio/go-stepdiff/stepdiff/prompt"
	"github.com/valerio/go-stepdiff/stepdiff/regs"
	"github.com/valerio/go-stepdiff/stepdiff/tracelog"
)

var ErrDivergence = errors.New("backends diverged")

// errStop ends the stepping loop without an error: the operator quit or the step limit was hit.
var errStop = errors.New("stopped")

// DivergenceError is returned by a fail-fast run at the first divergence.
type DivergenceError struct {
	Step  int
	Diff  compare.DiffSet
	EmuPC regs.Reading
	RefPC regs.Reading
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("backends diverged at step %d (emu pc %s, ref pc %s): %d register(s) differ",
		e.Step, e.EmuPC.Value, e.RefPC.Value, len(e.Diff))
}

func (e *DivergenceError) Unwrap() error { return ErrDivergence }

// Stats summarises a run.
type Stats struct {
	Steps       int // instructions both backends executed
	Divergences int // divergences surfaced to the operator or ending the run
}

// Tracer steps the emulator under test and the reference in lockstep and
// compares their registers after every instruction.
type Tracer struct {
	cfg      Config
	launcher Launcher
	procs    procman.Manager
	prompter prompt.Prompter
	out      io.Writer
	recent   *tracelog.Buffer
	policy   compare.Policy
	pcIndex  int
	logger   *slog.Logger

	emu     backend.Backend
	ref     backend.Backend
	refProc io.Closer

	stats Stats
}

type Option func(*Tracer)

// WithLauncher replaces the process launcher built from the config.
func WithLauncher(l Launcher) Option { return func(t *Tracer) { t.launcher = l } }

// WithProcessManager replaces the /proc based process manager.
func WithProcessManager(m procman.Manager) Option { return func(t *Tracer) { t.procs = m } }

// WithPrompter sets how tolerant mode waits for the operator.
func WithPrompter(p prompt.Prompter) Option { return func(t *Tracer) { t.prompter = p } }

// WithOutput sets where divergence reports are written. Defaults to stdout.
func WithOutput(w io.Writer) Option { return func(t *Tracer) { t.out = w } }

// WithTraceBuffer includes the newest entries of b in divergence reports.
func WithTraceBuffer(b *tracelog.Buffer) Option { return func(t *Tracer) { t.recent = b } }

// New validates cfg and returns a Tracer ready to Run.
func New(cfg Config, opts ...Option) (*Tracer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	t := &Tracer{
		cfg:     cfg,
		out:     os.Stdout,
		policy:  compare.NewPolicy(cfg.Ignore...),
		pcIndex: cfg.Catalog.Index(cfg.PCRegister),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.launcher == nil {
		t.launcher = NewLauncher(cfg)
	}
	if t.procs == nil {
		t.procs = procman.NewSystem()
	}
	if t.prompter == nil {
		t.prompter = prompt.NewLine(os.Stdin, t.out)
	}
	return t, nil
}

// Stats returns the counters of the current or last run.
func (t *Tracer) Stats() Stats { return t.stats }

// Run spawns the backends and steps them until a fatal condition or an external stop.
// It returns nil only when stopped externally: ctx cancelled, operator quit, or MaxSteps reached.
// All spawned processes are released before Run returns.
func (t *Tracer) Run(ctx context.Context) error {
	defer t.shutdown()

	err := t.init(ctx)
	if err == nil {
		err = t.loop(ctx)
	}

	switch {
	case err == nil, errors.Is(err, errStop):
		t.logger.Info("Run stopped", "steps", t.stats.Steps, "divergences", t.stats.Divergences)
		return nil
	case ctx.Err() != nil && !errors.Is(err, ErrDivergence):
		// children share our process group and may die of the same signal
		t.logger.Info("Run interrupted", "steps", t.stats.Steps, "divergences", t.stats.Divergences)
		return nil
	}
	return err
}

func (t *Tracer) init(ctx context.Context) error {
	for _, name := range t.cfg.StrayProcesses {
		if _, err := procman.KillByName(t.procs, name); err != nil {
			// a listener we could not kill shows up again as a failed attach
			t.logger.Warn("Failed to clear stray processes", "name", name, "error", err)
		}
	}

	t.logger.Info("Spawning emulator", "path", t.cfg.Emulator, "target", t.cfg.Target)
	emu, err := t.launcher.LaunchEmulator(ctx)
	if err != nil {
		return fmt.Errorf("emulator: %w", err)
	}
	t.emu = emu

	t.logger.Info("Spawning reference emulator", "path", t.cfg.Reference, "port", t.cfg.Port)
	refProc, err := t.launcher.LaunchReference(ctx)
	if err != nil {
		return fmt.Errorf("reference emulator: %w", err)
	}
	t.refProc = refProc

	if err := sleep(ctx, t.cfg.AttachDelay); err != nil {
		return err
	}

	t.logger.Info("Attaching debugger", "path", t.cfg.Debugger, "port", t.cfg.Port)
	ref, err := t.launcher.LaunchDebugger(ctx)
	if err != nil {
		return fmt.Errorf("debugger: %w", err)
	}
	t.ref = ref
	return nil
}

func (t *Tracer) loop(ctx context.Context) error {
	var (
		prevDiff  compare.DiffSet
		prevEmuPC regs.Reading
		prevRefPC regs.Reading
	)

	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		refSnap, err := t.ref.Snapshot(ctx)
		if err != nil {
			return err
		}
		emuSnap, err := t.emu.Snapshot(ctx)
		if err != nil {
			return err
		}

		diff, err := compare.Diff(emuSnap, refSnap, t.policy)
		if err != nil {
			return err
		}
		emuPC, refPC := t.pc(emuSnap), t.pc(refSnap)
		t.logger.Debug("step", "n", step, "pc", emuPC.Value, "diff", len(diff))

		if len(diff) > 0 {
			switch t.cfg.Mode {
			case FailFast:
				t.stats.Divergences++
				t.report(step, diff, emuPC, refPC)
				return &DivergenceError{Step: step, Diff: diff, EmuPC: emuPC, RefPC: refPC}
			case Tolerant:
				if !diff.Equal(prevDiff) {
					t.stats.Divergences++
					t.logger.Warn("Divergence", "step", step, "registers", names(diff))
					decision, err := t.pause(ctx, prompt.Pause{
						Step:      step,
						PrevEmuPC: prevEmuPC,
						PrevRefPC: prevRefPC,
						Diff:      diff,
						Recent:    t.recentLines(),
					})
					if err != nil {
						return err
					}
					if decision == prompt.Quit {
						return errStop
					}
				}
			}
		}

		// the state left by the last allowed instruction has been compared above
		if t.cfg.MaxSteps > 0 && step >= t.cfg.MaxSteps {
			t.logger.Info("Step limit reached", "steps", step)
			return errStop
		}

		if err := t.emu.Step(ctx); err != nil {
			return err
		}
		if err := t.ref.Step(ctx); err != nil {
			return err
		}
		t.stats.Steps++

		prevDiff = diff
		prevEmuPC, prevRefPC = emuPC, refPC
	}
}

// pause asks the operator what to do, resuming on its own after PauseTimeout if set.
func (t *Tracer) pause(ctx context.Context, p prompt.Pause) (prompt.Decision, error) {
	waitCtx := ctx
	if t.cfg.PauseTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, t.cfg.PauseTimeout)
		defer cancel()
	}

	decision, err := t.prompter.Acknowledge(waitCtx, p)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			t.logger.Info("Resuming after pause timeout", "step", p.Step, "timeout", t.cfg.PauseTimeout)
			return prompt.Continue, nil
		}
		return prompt.Quit, err
	}
	t.logger.Debug("Operator decision", "step", p.Step, "decision", decision)
	return decision, nil
}

// report writes a fail-fast divergence.
func (t *Tracer) report(step int, diff compare.DiffSet, emuPC, refPC regs.Reading) {
	fmt.Fprintf(t.out, "\nregisters differ at step %d\n", step)
	compare.FormatPC(t.out, "current", emuPC, refPC)
	diff.Format(t.out)
	if lines := t.recentLines(); len(lines) > 0 {
		fmt.Fprintln(t.out, "recent log:")
		for _, line := range lines {
			fmt.Fprintf(t.out, "  %s\n", line)
		}
	}
}

func (t *Tracer) recentLines() []string {
	if t.recent == nil || t.cfg.RecentLines <= 0 {
		return nil
	}
	entries := t.recent.Recent(t.cfg.RecentLines)
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = tracelog.Format(e)
	}
	return lines
}

func (t *Tracer) pc(s regs.Snapshot) regs.Reading {
	if t.pcIndex < 0 || t.pcIndex >= len(s) {
		return regs.Reading{}
	}
	return s[t.pcIndex]
}

func (t *Tracer) shutdown() {
	closers := []struct {
		name string
		c    io.Closer
	}{
		{"debugger", t.ref},
		{"emulator", t.emu},
		{"reference emulator", t.refProc},
	}
	for _, c := range closers {
		if c.c == nil {
			continue
		}
		if err := c.c.Close(); err != nil {
			t.logger.Warn("Failed to close backend", "backend", c.name, "error", err)
		}
	}
	t.ref, t.emu, t.refProc = nil, nil, nil
}

func names(diff compare.DiffSet) []string {
	out := make([]string, len(diff))
	for i, r := range diff {
		out[i] = r.Emu.Name
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
