package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
)

const maxLineSize = 1024 * 1024 // 1 MB

// LineParser maps one JSON line to events. ok=false means the line was
// valid JSON of a shape the parser does not know.
type LineParser func(raw []byte) (events []Event, ok bool, err error)

var parsers = map[string]LineParser{
	"claude":   parseClaudeLine,
	"codex":    parseCodexLine,
	"gemini":   parseGeminiLine,
	"opencode": parseOpencodeLine,
}

// ForCLI returns the line parser for a CLI name, or nil.
func ForCLI(name string) LineParser {
	return parsers[strings.ToLower(strings.TrimSpace(name))]
}

// Parse reads lines from r and sends each on the returned channel in order.
// Sends block so that no output is lost; the channel is closed at EOF or
// when ctx ends. Lines that are not JSON become KindRaw events.
func Parse(ctx context.Context, r io.Reader, parse LineParser) <-chan Line {
	ch := make(chan Line, 64)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

		for scanner.Scan() {
			raw := append([]byte(nil), scanner.Bytes()...)
			if len(strings.TrimSpace(string(raw))) == 0 {
				continue
			}
			if !send(ctx, ch, ParseLine(raw, parse)) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			send(ctx, ch, Line{Err: err})
		}
	}()
	return ch
}

// ParseLine classifies a single output line.
func ParseLine(raw []byte, parse LineParser) Line {
	trimmed := strings.TrimSpace(string(raw))
	if parse == nil || !strings.HasPrefix(trimmed, "{") || !json.Valid([]byte(trimmed)) {
		return Line{Raw: raw, Events: []Event{{Kind: KindRaw, Text: trimmed}}}
	}
	evs, ok, err := parse([]byte(trimmed))
	if err != nil {
		return Line{Raw: raw, Err: err, Events: []Event{{Kind: KindRaw, Text: trimmed}}}
	}
	if !ok {
		return Line{Raw: raw, Events: []Event{{Kind: KindSkip, Text: jsonType(raw)}}}
	}
	return Line{Raw: raw, Events: evs}
}

func send(ctx context.Context, ch chan<- Line, l Line) bool {
	select {
	case ch <- l:
		return true
	case <-ctx.Done():
		return false
	}
}

func jsonType(raw []byte) string {
	var probe struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(raw, &probe)
	return probe.Type
}

// toolText renders a tool result payload (string or arbitrary JSON) as text.
func toolText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return string(content)
}
