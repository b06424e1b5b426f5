package prompt

import (
	"context"
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/mattn/go-runewidth"
)

const (
	minWidth  = 40
	tableTop  = 3
	colWidth  = 22
	nameWidth = 10
)

var (
	titleStyle  = tcell.StyleDefault.Foreground(tcell.ColorYellow).Bold(true)
	headerStyle = tcell.StyleDefault.Foreground(tcell.ColorBlue).Bold(true)
	textStyle   = tcell.StyleDefault.Foreground(tcell.ColorWhite)
	emuStyle    = tcell.StyleDefault.Foreground(tcell.ColorRed)
	refStyle    = tcell.StyleDefault.Foreground(tcell.ColorGreen)
	logStyle    = tcell.StyleDefault.Foreground(tcell.ColorGray)
	helpStyle   = tcell.StyleDefault.Foreground(tcell.ColorBlack).Background(tcell.ColorWhite)
)

// Muter silences terminal logging while the screen owns the terminal.
type Muter interface {
	Mute()
	Unmute()
}

// Screen shows the pause full-screen with tcell and waits for a key.
// Enter or space resumes; q, Esc and Ctrl-C end the run.
type Screen struct {
	open  func() (tcell.Screen, error)
	quiet Muter
}

var _ Prompter = (*Screen)(nil)

// NewScreen returns a prompter drawing on the controlling terminal.
// quiet, if not nil, is muted for as long as a pause is on screen.
func NewScreen(quiet Muter) *Screen {
	return &Screen{open: openTerminal, quiet: quiet}
}

func openTerminal() (tcell.Screen, error) {
	screen, err := tcell.NewScreen()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize terminal: %v", err)
	}
	if err := screen.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize terminal: %v", err)
	}
	return screen, nil
}

func (s *Screen) Acknowledge(ctx context.Context, p Pause) (Decision, error) {
	if s.quiet != nil {
		s.quiet.Mute()
		defer s.quiet.Unmute()
	}

	screen, err := s.open()
	if err != nil {
		return Quit, err
	}
	defer screen.Fini()

	render(screen, p)

	events := make(chan tcell.Event)
	quit := make(chan struct{})
	defer close(quit)
	go screen.ChannelEvents(events, quit)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return Quit, nil
			}
			switch ev := ev.(type) {
			case *tcell.EventResize:
				screen.Sync()
				render(screen, p)
			case *tcell.EventKey:
				if d, done := decide(ev); done {
					return d, nil
				}
			}
		case <-ctx.Done():
			return Continue, ctx.Err()
		}
	}
}

func decide(ev *tcell.EventKey) (Decision, bool) {
	switch ev.Key() {
	case tcell.KeyEnter:
		return Continue, true
	case tcell.KeyEscape, tcell.KeyCtrlC:
		return Quit, true
	case tcell.KeyRune:
		switch ev.Rune() {
		case ' ':
			return Continue, true
		case 'q', 'Q':
			return Quit, true
		}
	}
	return Continue, false
}

func render(screen tcell.Screen, p Pause) {
	screen.SetStyle(tcell.StyleDefault.Background(tcell.ColorBlack).Foreground(tcell.ColorWhite))
	screen.Clear()

	width, height := screen.Size()
	if width < minWidth {
		drawText(screen, 0, 0, width, "Terminal too small", titleStyle)
		screen.Show()
		return
	}

	drawText(screen, 1, 0, width-2, fmt.Sprintf(" Divergence at step %d ", p.Step), titleStyle)
	if p.HasPrevPC() {
		line := fmt.Sprintf("previous step: emu pc %s, ref pc %s", p.PrevEmuPC.Value, p.PrevRefPC.Value)
		drawText(screen, 1, 1, width-2, line, textStyle)
	}

	drawText(screen, 1, tableTop, nameWidth, "register", headerStyle)
	drawText(screen, 1+nameWidth, tableTop, colWidth, "emulator", headerStyle)
	drawText(screen, 1+nameWidth+colWidth, tableTop, colWidth, "reference", headerStyle)

	y := tableTop + 1
	for _, r := range p.Diff {
		if y >= height-2 {
			break
		}
		drawText(screen, 1, y, nameWidth, r.Emu.Name, textStyle)
		drawText(screen, 1+nameWidth, y, colWidth, r.Emu.Value, emuStyle)
		drawText(screen, 1+nameWidth+colWidth, y, colWidth, r.Ref.Value, refStyle)
		y++
	}

	y++
	if len(p.Recent) > 0 && y < height-2 {
		drawText(screen, 1, y, width-2, " Recent log ", headerStyle)
		y++
		// newest lines are the most useful, keep the tail when space is short
		recent := p.Recent
		if avail := height - 2 - y; avail < len(recent) {
			recent = recent[len(recent)-avail:]
		}
		for _, line := range recent {
			drawText(screen, 1, y, width-2, line, logStyle)
			y++
		}
	}

	help := " [enter] continue   [q] quit "
	for x := 0; x < width; x++ {
		screen.SetContent(x, height-1, ' ', nil, helpStyle)
	}
	drawText(screen, 0, height-1, width, help, helpStyle)

	screen.Show()
}

func drawText(screen tcell.Screen, x, y, width int, text string, style tcell.Style) {
	if width <= 0 {
		return
	}
	if runewidth.StringWidth(text) > width {
		tail := "..."
		if width <= len(tail) {
			tail = ""
		}
		text = runewidth.Truncate(text, width, tail)
	}
	col := 0
	for _, ch := range text {
		w := runewidth.RuneWidth(ch)
		if w == 0 {
			continue
		}
		if col+w > width {
			break
		}
		screen.SetContent(x+col, y, ch, nil, style)
		col += w
	}
}
