package eventlog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/signalsfoundry/canbus-simulator/model"
)

// Palette for the console sink.
var (
	colorBus      = lipgloss.Color("14") // cyan
	colorAttack   = lipgloss.Color("9")  // red
	colorVictim   = lipgloss.Color("10") // green
	colorWarn     = lipgloss.Color("11") // yellow
	colorArb      = lipgloss.Color("13") // magenta
	colorMuted    = lipgloss.Color("8")  // gray
	colorBitsDump = lipgloss.Color("15") // white

	styleBus    = lipgloss.NewStyle().Foreground(colorBus)
	styleAttack = lipgloss.NewStyle().Foreground(colorAttack).Bold(true)
	styleVictim = lipgloss.NewStyle().Foreground(colorVictim)
	styleWarn   = lipgloss.NewStyle().Foreground(colorWarn)
	styleArb    = lipgloss.NewStyle().Foreground(colorArb)
	styleMuted  = lipgloss.NewStyle().Foreground(colorMuted)
	styleBits   = lipgloss.NewStyle().Foreground(colorBitsDump)
)

// ConsoleWriter renders events as human-readable lines, colored when the
// output is a terminal. Quiet mode suppresses per-frame bit dumps.
type ConsoleWriter struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
	quiet bool
}

// NewConsoleWriter builds a console sink. Color is enabled only when w is a
// terminal.
func NewConsoleWriter(w io.Writer, quiet bool) *ConsoleWriter {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &ConsoleWriter{w: w, color: color, quiet: quiet}
}

func (c *ConsoleWriter) Record(ev Event) {
	line, ok := c.format(ev)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, line)
}

func (c *ConsoleWriter) format(ev Event) (string, bool) {
	switch ev.Kind {
	case KindNodeRegistered:
		return c.render(styleMuted, "[BUS] node registered: %s", ev.Node), true

	case KindTransmitAttempt:
		line := c.render(styleBus, "[BUS] transmission attempt sender=%s CAN-ID=0x%03X malicious=%v",
			ev.Node, ev.CANID, ev.Malicious)
		if !c.quiet && len(ev.Bits) > 0 {
			line += "\n" + c.render(styleBits, "      bits: %s", formatBits(ev.Bits))
		}
		return line, true

	case KindArbitration:
		if ev.Winner == "" {
			return c.render(styleArb, "[BUS] arbitration: same ID, both transmit together"), true
		}
		return c.render(styleArb, "[BUS] arbitration lost at bit %d, winner=%s", ev.Position, ev.Winner), true

	case KindInjection:
		if c.quiet {
			return "", false
		}
		return c.render(styleAttack, "[BUS] %s injects recessive bit at position %d", ev.Node, ev.Position), true

	case KindBitError:
		return c.render(styleAttack, "[BUS] BIT ERROR detected by %s at position %d (sent=recessive, read=dominant)",
			ev.Node, ev.Position), true

	case KindErrorFlag:
		if c.quiet {
			return "", false
		}
		return c.render(styleWarn, "[BUS] %s: %s delimiter: %s",
			ev.Detail, formatBits(ev.Bits), formatBits(model.ErrorDelimiter)), true

	case KindTECUpdate:
		return c.render(styleWarn, "[BUS] %s TEC: %d -> %d (%s)", ev.Node, ev.TECBefore, ev.TECAfter, ev.Detail), true

	case KindStateTransition:
		return c.render(styleAttack, "[BUS] %s state: %s -> %s", ev.Node, ev.StateFrom, ev.StateTo), true

	case KindDelivery:
		if c.quiet {
			return "", false
		}
		return c.render(styleMuted, "[BUS] frame 0x%03X delivered to %s", ev.CANID, ev.Node), true

	case KindValidFrames:
		return c.render(styleMuted, "[BUS] %s sends %d valid frame(s), TEC now %d", ev.Node, ev.Count, ev.TECAfter), true

	case KindDecision:
		return c.render(styleAttack, "[%s] cycle %d: %s", ev.Node, ev.Cycle, ev.Detail), true

	case KindCycleSummary:
		return c.render(styleBus, "cycle %3d | victim TEC=%3d %-13s | attacker TEC=%3d %-13s | %s",
			ev.Cycle, ev.VictimTEC, ev.VictimState, ev.AttackerTEC, ev.AttackerState, ev.Detail), true

	case KindRunSummary:
		return c.render(styleVictim, "%s", ev.Detail), true
	}
	return "", false
}

func (c *ConsoleWriter) render(style lipgloss.Style, format string, args ...any) string {
	s := fmt.Sprintf(format, args...)
	if !c.color {
		return s
	}
	return style.Render(s)
}

func formatBits(bits []model.Bit) string {
	var sb strings.Builder
	for i, b := range bits {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteByte('0' + byte(b&1))
	}
	return sb.String()
}
