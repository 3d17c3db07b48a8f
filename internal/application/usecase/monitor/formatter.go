package monitor

import (
	"strconv"
	"strings"

	"pluto/internal/domain"
)

const (
	ansiReset    = "\033[0m"
	ansiRed      = "\033[31m"
	ansiGreen    = "\033[32m"
	ansiYellow   = "\033[33m"
	ansiDim      = "\033[2m"
	ansiClearEOL = "\033[K"
)

func colorize(s, c string) string { return c + s + ansiReset }

type Formatter struct{}

func NewFormatter() *Formatter { return &Formatter{} }

type RenderMode int

const (
	RenderLive RenderMode = iota
	RenderSnapshot
)

func (f *Formatter) Render(st *State, mode RenderMode) string {
	snap := st.Snapshot()
	symbols := st.Symbols()

	var sb strings.Builder
	if mode == RenderLive {
		sb.WriteString("\r")
	}

	sb.WriteString(colorize("[PLUTO] ", ansiDim))

	for i, sym := range symbols {
		if i > 0 {
			sb.WriteString(colorize("  ||  ", ansiDim))
		}
		ss := snap[sym]

		px := "--"
		col := ansiYellow
		arrow := " "
		if ss.has {
			px = strconv.FormatFloat(ss.price, 'f', -1, 64)
			switch ss.dir {
			case domain.DirectionUp:
				col, arrow = ansiGreen, "▲"
			case domain.DirectionDown:
				col, arrow = ansiRed, "▼"
			}
		}

		sb.WriteString(sym)
		sb.WriteString(" ")
		sb.WriteString(colorize(px+arrow, col))
		if mode == RenderSnapshot && ss.at != "" {
			sb.WriteString(colorize(" @"+ss.at, ansiDim))
		}
	}

	if mode == RenderLive {
		sb.WriteString(ansiClearEOL)
	}
	return sb.String()
}
