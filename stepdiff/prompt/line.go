package prompt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Line prints the pause and waits for a line of input.
// "q" or "quit" ends the run, anything else resumes it. End of input ends the run.
type Line struct {
	in  io.Reader
	out io.Writer

	once  sync.Once
	lines chan string

	// abandoned is set when a pause ended without an answer
	abandoned bool
}

var _ Prompter = (*Line)(nil)

func NewLine(in io.Reader, out io.Writer) *Line {
	return &Line{in: in, out: out, lines: make(chan string)}
}

// read runs for the lifetime of the process; a blocked read on stdin cannot be interrupted.
func (l *Line) read() {
	defer close(l.lines)
	scanner := bufio.NewScanner(l.in)
	for scanner.Scan() {
		l.lines <- scanner.Text()
	}
}

func (l *Line) Acknowledge(ctx context.Context, p Pause) (Decision, error) {
	if err := p.Write(l.out); err != nil {
		return Quit, err
	}
	fmt.Fprint(l.out, "[enter] continue, [q] quit: ")

	l.once.Do(func() { go l.read() })
	if l.abandoned {
		l.discardStale()
		l.abandoned = false
	}

	select {
	case line, ok := <-l.lines:
		if !ok {
			return Quit, nil
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "q", "quit":
			return Quit, nil
		}
		return Continue, nil
	case <-ctx.Done():
		fmt.Fprintln(l.out)
		l.abandoned = true
		return Continue, ctx.Err()
	}
}

// discardStale drops answers meant for a pause that already resumed on its own.
func (l *Line) discardStale() {
	for {
		select {
		case _, ok := <-l.lines:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
