package cli

import (
	"bufio"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/tOgg1/elastic/internal/scaling"
)

const tablePadding = 2

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Underline(true)
	convergedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	partialStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	nullStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func render(style lipgloss.Style, value string) string {
	if noColor || value == "" {
		return value
	}
	return style.Render(value)
}

func renderOutcome(outcome string) string {
	switch outcome {
	case scaling.OutcomeConverged:
		return render(convergedStyle, outcome)
	case scaling.OutcomePartial:
		return render(partialStyle, outcome)
	default:
		return render(nullStyle, outcome)
	}
}

// writeTable writes aligned columns. Widths ignore ANSI styling so colored
// cells line up.
func writeTable(out io.Writer, headers []string, rows [][]string) error {
	colCount := len(headers)
	for _, row := range rows {
		if len(row) > colCount {
			colCount = len(row)
		}
	}
	if colCount == 0 {
		return nil
	}

	widths := make([]int, colCount)
	measure := func(row []string) {
		for idx, cell := range row {
			if w := runewidth.StringWidth(stripANSI(cell)); w > widths[idx] {
				widths[idx] = w
			}
		}
	}
	measure(headers)
	for _, row := range rows {
		measure(row)
	}

	writer := bufio.NewWriter(out)
	writeRow := func(row []string, style *lipgloss.Style) {
		for idx := 0; idx < colCount; idx++ {
			cell := ""
			if idx < len(row) {
				cell = row[idx]
			}
			padding := widths[idx] - runewidth.StringWidth(stripANSI(cell))
			if style != nil {
				cell = render(*style, cell)
			}
			writer.WriteString(cell)
			if idx < colCount-1 {
				writer.WriteString(strings.Repeat(" ", padding+tablePadding))
			}
		}
		writer.WriteString("\n")
	}

	if len(headers) > 0 {
		writeRow(headers, &headerStyle)
	}
	for _, row := range rows {
		writeRow(row, nil)
	}
	return writer.Flush()
}

func stripANSI(value string) string {
	if !strings.Contains(value, "\x1b[") {
		return value
	}
	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); i++ {
		if value[i] != 0x1b || i+1 >= len(value) || value[i+1] != '[' {
			b.WriteByte(value[i])
			continue
		}
		i += 2
		for i < len(value) && (value[i] < 0x40 || value[i] > 0x7e) {
			i++
		}
	}
	return b.String()
}
