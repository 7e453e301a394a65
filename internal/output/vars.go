package output

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
)

var (
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("37"))            // dark green
	success2Style = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))             // green
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))             // red
	warningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))            // yellow
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))            // blue
	infoStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))            // cyan
	debugStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))           // light grey
	streamStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))           // grey
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69")) // purple
)

var StyleSymbols = map[string]string{
	"pass":    "✓",
	"fail":    "✗",
	"warning": "!",
	"pending": "◉",
	"info":    "ℹ",
	"arrow":   "→",
	"bullet":  "•",
	"dot":     "·",
	"hline":   "━",
}

func printLine(w io.Writer, style lipgloss.Style, symbol, text string) {
	fmt.Fprintln(w, style.Render(StyleSymbols[symbol]+" "+text))
}

func PrintSuccess(text string) { printLine(os.Stdout, successStyle, "pass", text) }

// PrintError writes to stderr so that command output stays pipeable.
func PrintError(text string) { printLine(os.Stderr, errorStyle, "fail", text) }

func PrintWarning(text string) { printLine(os.Stderr, warningStyle, "warning", text) }

func PrintInfo(text string) { printLine(os.Stdout, infoStyle, "info", text) }

func PrintHeader(text string) {
	fmt.Println(headerStyle.Render(text))
}
