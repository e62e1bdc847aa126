package format

import (
	"fmt"
	"sort"
	"strings"

	"pkt.systems/nbkernel/schema"
)

// Target says which terminal stream a rendered output belongs on.
type Target int

const (
	// Stdout is the normal output stream.
	Stdout Target = iota
	// Stderr carries stderr streams and errors.
	Stderr
)

// PlainRenderer formats outputs as plain text.
type PlainRenderer struct {
	// ShowMime lists non text/plain mime types of rich outputs.
	ShowMime bool
}

// NewPlainRenderer returns a default plain-text renderer.
func NewPlainRenderer() *PlainRenderer {
	return &PlainRenderer{}
}

// FormatOutput converts an output into text for the returned target. Stream
// text is passed through unchanged; everything else ends with a newline.
func (p *PlainRenderer) FormatOutput(out schema.Output) (string, Target) {
	switch out.Kind {
	case schema.OutputStream:
		if out.Name == "stderr" {
			return out.Text, Stderr
		}
		return out.Text, Stdout
	case schema.OutputExecuteResult, schema.OutputDisplayData:
		lines := splitLines(out.PlainText())
		if p.ShowMime {
			lines = append(lines, mimeLines(out.Data)...)
		}
		return joinLines(lines), Stdout
	case schema.OutputError:
		if out.Error == nil {
			return "error: unknown\n", Stderr
		}
		return joinLines(formatError(out.Error)), Stderr
	default:
		return "", Stdout
	}
}

func splitLines(text string) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func formatError(payload *schema.ErrorPayload) []string {
	name := strings.TrimSpace(payload.EName)
	if name == "" {
		name = "error"
	}
	head := fmt.Sprintf("%s: %s", name, payload.EValue)
	lines := []string{head}
	traceback := payload.Traceback
	if len(traceback) > 0 && (traceback[0] == payload.EValue || traceback[0] == head) {
		traceback = traceback[1:]
	}
	return append(lines, traceback...)
}

func mimeLines(data map[string]string) []string {
	types := make([]string, 0, len(data))
	for mime := range data {
		if mime == schema.MimeTextPlain {
			continue
		}
		types = append(types, mime)
	}
	sort.Strings(types)
	lines := make([]string, 0, len(types))
	for _, mime := range types {
		lines = append(lines, fmt.Sprintf("[%s: %d bytes]", mime, len(data[mime])))
	}
	return lines
}
