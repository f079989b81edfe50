package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"connectrpc.com/connect"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"golang.org/x/term"

	"github.com/dstutor/kernelhub/client"
	"github.com/dstutor/kernelhub/internal/endpoint"
)

type startupHeader struct {
	Title  string
	Fields []startupField
}

type startupField struct {
	Key   string
	Value string
}

func renderStartupHeader(h startupHeader, color bool) string {
	title := strings.TrimSpace(h.Title)
	if title == "" {
		title = "kernelhub"
	}

	var out strings.Builder
	icon := "🪐"
	if color {
		icon = ansiWrap("1;33", icon)
		title = ansiWrap("1;36", title)
	}

	out.WriteByte('\n')
	out.WriteString(icon)
	out.WriteString(" ")
	out.WriteString(title)
	out.WriteByte('\n')

	for _, field := range h.Fields {
		key := strings.TrimSpace(field.Key)
		value := strings.TrimSpace(field.Value)
		if key == "" || value == "" {
			continue
		}

		line := fmt.Sprintf("%s: %s", key, value)
		if color {
			line = ansiWrap("38;5;252", line)
		}
		out.WriteString("   ")
		out.WriteString(line)
		out.WriteByte('\n')
	}
	out.WriteByte('\n')

	return out.String()
}

func writeStartupHeader(w io.Writer, h startupHeader, color bool) error {
	if w == nil {
		return nil
	}
	_, err := io.WriteString(w, renderStartupHeader(h, color))
	return err
}

// writeOutputEvent renders one streamed output event. Text goes to stdout
// verbatim, errors go to stderr, and non-textual payloads collapse to a
// short placeholder so binary data never hits the terminal.
func writeOutputEvent(stdout, stderr io.Writer, out *client.OutputEvent, color bool) error {
	if out == nil {
		return nil
	}
	switch out.Type {
	case client.OutputTypeText:
		_, err := fmt.Fprintln(stdout, out.Content)
		return err
	case client.OutputTypeError:
		content := out.Content
		if color {
			content = ansiWrap("1;31", content)
		}
		_, err := fmt.Fprintln(stderr, content)
		return err
	case client.OutputTypeHTML:
		_, err := fmt.Fprintln(stdout, renderPayloadPlaceholder("html", len(out.Content), color))
		return err
	case client.OutputTypeImage:
		_, err := fmt.Fprintln(stdout, renderPayloadPlaceholder("image/png", len(out.Content), color))
		return err
	default:
		_, err := fmt.Fprintln(stderr, renderPayloadPlaceholder("unknown output", len(out.Content), color))
		return err
	}
}

func renderPayloadPlaceholder(kind string, size int, color bool) string {
	placeholder := fmt.Sprintf("[%s, %d bytes]", kind, size)
	if color {
		placeholder = ansiWrap("38;5;246", placeholder)
	}
	return placeholder
}

func shouldShowStartupHeader(stderr *os.File) bool {
	if stderr == nil {
		return false
	}
	return term.IsTerminal(int(stderr.Fd()))
}

func shouldUseANSI(stderr *os.File) bool {
	if noColorRequested() {
		return false
	}
	if forceColorRequested() {
		return true
	}
	if stderr == nil {
		return false
	}
	return term.IsTerminal(int(stderr.Fd()))
}

func applyPolishedLoggerStyles(logger *log.Logger, color bool) {
	if logger == nil || !color {
		return
	}

	styles := log.DefaultStyles()
	styles.Message = styles.Message.Foreground(lipgloss.Color("252"))
	styles.Key = styles.Key.Bold(true).Foreground(lipgloss.Color("75"))
	styles.Value = styles.Value.Foreground(lipgloss.Color("255"))
	styles.Separator = styles.Separator.Foreground(lipgloss.Color("240"))
	styles.Levels[log.DebugLevel] = styles.Levels[log.DebugLevel].Bold(true).Foreground(lipgloss.Color("45"))
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].Bold(true).Foreground(lipgloss.Color("48"))
	styles.Levels[log.WarnLevel] = styles.Levels[log.WarnLevel].Bold(true).Foreground(lipgloss.Color("214"))
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].Bold(true).Foreground(lipgloss.Color("203"))
	logger.SetStyles(styles)
}

func endpointDisplay(ep endpoint.Endpoint) string {
	switch ep.Scheme {
	case "unix":
		return "unix://" + ep.Address
	case "http", "https":
		if ep.Address != "" {
			return ep.Address
		}
		return ep.BaseURL
	default:
		if ep.Address != "" {
			return ep.Address
		}
		return ep.BaseURL
	}
}

func effectiveLogLevel(rawLevel string) string {
	level := strings.TrimSpace(strings.ToLower(rawLevel))
	if level == "" {
		return "info"
	}
	return level
}

func noColorRequested() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return true
	}
	return strings.TrimSpace(os.Getenv("CLICOLOR")) == "0"
}

func forceColorRequested() bool {
	value := strings.TrimSpace(os.Getenv("CLICOLOR_FORCE"))
	if value == "" {
		return false
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed != 0
	}
	return true
}

func ansiWrap(code, value string) string {
	return "\x1b[" + code + "m" + value + "\x1b[0m"
}

func isCanceledStreamErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var connectErr *connect.Error
	if errors.As(err, &connectErr) && connectErr.Code() == connect.CodeCanceled {
		return true
	}
	return false
}

func isFinalExecutionStatus(status string) bool {
	switch status {
	case client.ExecutionStatusCompleted, client.ExecutionStatusCancelled, client.ExecutionStatusFailed:
		return true
	}
	return false
}
