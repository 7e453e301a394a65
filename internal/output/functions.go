package output

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/tanq16/doppkit/internal/utils"
	"golang.org/x/term"
)

// FormatSpeed is the average rate of bytes over elapsed seconds.
func FormatSpeed(bytes int64, elapsed float64) string {
	if elapsed <= 0 || bytes <= 0 {
		return "0 B/s"
	}
	bps := float64(bytes) / elapsed
	return utils.FormatBytes(uint64(bps)) + "/s"
}

// ProgressBar renders a transfer of current bytes out of total. Transfers
// without a known size show the byte count instead of a percentage.
func ProgressBar(current, total int64, width int) string {
	if width <= 0 {
		width = 30
	}
	current = max(current, 0)
	edge := StyleSymbols["bullet"]
	if total <= 0 {
		bar := edge + strings.Repeat(StyleSymbols["dot"], width) + edge
		return debugStyle.Render(fmt.Sprintf("%s %s %s ", bar, utils.FormatBytes(uint64(current)), edge))
	}
	current = min(current, total)
	percent := float64(current) / float64(total)
	filled := min(int(percent*float64(width)), width)
	bar := edge + strings.Repeat(StyleSymbols["hline"], filled) + strings.Repeat(" ", width-filled) + edge
	return debugStyle.Render(fmt.Sprintf("%s %.1f%% %s ", bar, percent*100, edge))
}

func getTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	return width
}

func getTerminalHeight() int {
	_, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || height <= 0 {
		return 24
	}
	return height
}

func wrapText(text string, indent int) []string {
	maxWidth := getTerminalWidth() - indent - 2
	if maxWidth <= 10 {
		maxWidth = 80
	}
	if utf8.RuneCountInString(text) <= maxWidth {
		return []string{text}
	}
	var lines []string
	var current strings.Builder
	width := 0
	for _, r := range text {
		if width+1 > maxWidth {
			lines = append(lines, current.String())
			current.Reset()
			width = 0
		}
		current.WriteRune(r)
		width++
	}
	if current.Len() > 0 {
		lines = append(lines, current.String())
	}
	return lines
}
