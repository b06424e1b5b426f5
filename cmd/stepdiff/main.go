package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli"
	"github.com/valerio/go-stepdiff/stepdiff"
	"github.com/valerio/go-stepdiff/stepdiff/prompt"
	"github.com/valerio/go-stepdiff/stepdiff/regs"
	"github.com/valerio/go-stepdiff/stepdiff/tracelog"
	"golang.org/x/term"
)

const traceBufferSize = 256

func main() {
	app := newApp()
	app.Action = runTracer

	err := app.Run(os.Args)
	if err != nil {
		slog.Error("Error running tracer", "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	defaults := stepdiff.DefaultConfig()

	app := cli.NewApp()
	app.Name = "stepdiff"
	app.Description = "Steps an emulator and qemu+gdb one instruction at a time and reports where their registers diverge"
	app.Usage = "stepdiff [options] <target binary>"
	app.Version = "1.0.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "target",
			Usage: "Path to the binary both backends execute",
		},
		cli.StringFlag{
			Name:  "build",
			Usage: "Emulator build to test: debug, auto or release",
			Value: "auto",
		},
		cli.StringFlag{
			Name:  "emulator",
			Usage: "Path to the emulator under test (overrides --build)",
		},
		cli.StringFlag{
			Name:  "qemu",
			Usage: "Reference emulator started with a gdb stub",
			Value: defaults.Reference,
		},
		cli.StringFlag{
			Name:  "gdb",
			Usage: "Debugger attached to the reference emulator",
			Value: defaults.Debugger,
		},
		cli.IntFlag{
			Name:  "port",
			Usage: "Port of the reference emulator's gdb stub",
			Value: defaults.Port,
		},
		cli.StringFlag{
			Name:  "mode",
			Usage: "fail-fast stops at the first divergence, tolerant pauses and keeps going",
			Value: defaults.Mode.String(),
		},
		cli.StringSliceFlag{
			Name:  "ignore",
			Usage: "Register whose divergence is ignored, repeatable (default: sp)",
		},
		cli.StringFlag{
			Name:  "registers",
			Usage: "Comma separated register catalog, in the order both backends print it",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Usage: "How long to wait for a backend prompt (0 = forever)",
			Value: defaults.Timeout,
		},
		cli.DurationFlag{
			Name:  "attach-delay",
			Usage: "Time the reference emulator gets to open its port before gdb attaches",
			Value: defaults.AttachDelay,
		},
		cli.DurationFlag{
			Name:  "pause-timeout",
			Usage: "Resume a tolerant pause on its own after this long (0 = wait for the operator)",
		},
		cli.IntFlag{
			Name:  "max-steps",
			Usage: "Stop after this many instructions (0 = no limit)",
		},
		cli.BoolFlag{
			Name:  "screen",
			Usage: "Show tolerant mode pauses full-screen",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, warn or error",
			Value: "info",
		},
		cli.StringSliceFlag{
			Name:  "kill",
			Usage: "Process name terminated before starting, repeatable (default: base name of --qemu)",
		},
	}
	return app
}

func runTracer(c *cli.Context) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.String("log-level"))); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	buffer := tracelog.NewBuffer(traceBufferSize)
	stderr := tracelog.NewGate(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	logger := slog.New(tracelog.NewFanout(
		stderr,
		tracelog.NewHandler(buffer, slog.LevelDebug),
	))
	slog.SetDefault(logger)

	cfg, err := configFromFlags(c)
	if err != nil {
		cli.ShowAppHelp(c)
		return err
	}

	tracer, err := stepdiff.New(cfg,
		stepdiff.WithTraceBuffer(buffer),
		stepdiff.WithPrompter(choosePrompter(c.Bool("screen"), cfg.Mode, stderr)),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting lockstep run", "target", cfg.Target, "emulator", cfg.Emulator, "mode", cfg.Mode)
	err = tracer.Run(ctx)
	stats := tracer.Stats()
	slog.Info("Run finished", "steps", stats.Steps, "divergences", stats.Divergences)
	return err
}

func configFromFlags(c *cli.Context) (stepdiff.Config, error) {
	cfg := stepdiff.DefaultConfig()

	cfg.Target = c.String("target")
	if cfg.Target == "" {
		if c.NArg() == 0 {
			return cfg, errors.New("no target binary provided")
		}
		cfg.Target = c.Args().Get(0)
	}

	if path := c.String("emulator"); path != "" {
		cfg.Emulator = path
	} else {
		path, err := stepdiff.DefaultBuilds().Path(c.String("build"))
		if err != nil {
			return cfg, err
		}
		cfg.Emulator = path
	}

	cfg.Reference = c.String("qemu")
	cfg.Debugger = c.String("gdb")
	cfg.Port = c.Int("port")

	mode, err := stepdiff.ParseMode(c.String("mode"))
	if err != nil {
		return cfg, err
	}
	cfg.Mode = mode

	if ignore := c.StringSlice("ignore"); len(ignore) > 0 {
		cfg.Ignore = ignore
	}
	if list := c.String("registers"); list != "" {
		catalog, err := regs.ParseCatalog(list)
		if err != nil {
			return cfg, err
		}
		cfg.Catalog = catalog
	}

	cfg.Timeout = c.Duration("timeout")
	cfg.AttachDelay = c.Duration("attach-delay")
	cfg.PauseTimeout = c.Duration("pause-timeout")
	cfg.MaxSteps = c.Int("max-steps")

	if kill := c.StringSlice("kill"); len(kill) > 0 {
		cfg.StrayProcesses = kill
	} else {
		cfg.StrayProcesses = []string{filepath.Base(cfg.Reference)}
	}
	return cfg, nil
}

// choosePrompter falls back to the line prompter when the terminal can't host a screen.
// The screen mutes stderr logging while it is up; the trace buffer keeps recording.
func choosePrompter(screen bool, mode stepdiff.Mode, stderr *tracelog.Gate) prompt.Prompter {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if mode == stepdiff.Tolerant && !interactive {
		slog.Warn("stdin is not a terminal, tolerant pauses read their answers from it")
	}
	if screen {
		if interactive && term.IsTerminal(int(os.Stdout.Fd())) {
			return prompt.NewScreen(stderr)
		}
		slog.Warn("--screen needs an interactive terminal, using line prompts")
	}
	return prompt.NewLine(os.Stdin, os.Stdout)
}
