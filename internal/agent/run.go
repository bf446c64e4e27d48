package agent

import (
	"context"
	"strings"
	"time"

	"github.com/agusx1211/agenthub/internal/stream"
)

const stderrTailLimit = 8 * 1024

// Result holds the outcome of a single blocking run.
type Result struct {
	ExitCode     int
	Duration     time.Duration
	Output       string // final assistant report
	Stderr       string // tail of stderr output
	CLISessionID string
	IsError      bool // the CLI reported a failed turn
}

// Run starts the CLI, forwards every parsed event to onEvent (which may be
// nil), and blocks until the process exits. Cancelling ctx kills the
// process group.
func Run(ctx context.Context, cfg Config, onEvent func(stream.Event)) (*Result, error) {
	start := time.Now()
	p, err := Start(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var (
		text    strings.Builder
		stderr  strings.Builder
		res     Result
		deltaOn bool
	)
	for out := range p.Output() {
		if out.Stderr {
			for _, ev := range out.Line.Events {
				appendTail(&stderr, ev.Text)
			}
			continue
		}
		for _, ev := range out.Line.Events {
			switch ev.Kind {
			case stream.KindSession:
				if ev.SessionID != "" {
					res.CLISessionID = ev.SessionID
				}
			case stream.KindResult:
				res.IsError = res.IsError || ev.IsError
				if ev.SessionID != "" {
					res.CLISessionID = ev.SessionID
				}
			}
			deltaOn = accumulateText(ev, &text, deltaOn)
			if onEvent != nil {
				onEvent(ev)
			}
		}
	}

	exit, _ := p.Wait(context.Background())
	res.ExitCode = exit.Code
	res.Duration = time.Since(start)
	res.Output = strings.TrimSpace(text.String())
	res.Stderr = stderr.String()
	if exit.Err != nil {
		return &res, exit.Err
	}
	if err := ctx.Err(); err != nil {
		return &res, err
	}
	return &res, nil
}

// accumulateText keeps a concise assistant report. Interim chatter before
// the most recent tool call is dropped; a non-empty result text replaces
// everything. It returns whether the buffer currently ends in a delta run.
func accumulateText(ev stream.Event, buf *strings.Builder, inDelta bool) bool {
	switch ev.Kind {
	case stream.KindToolCall, stream.KindToolResult:
		buf.Reset()
		return false
	case stream.KindText:
		if ev.Delta {
			if !inDelta && buf.Len() > 0 {
				buf.WriteString("\n\n")
			}
			buf.WriteString(ev.Text)
			return true
		}
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return inDelta
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(text)
		return false
	case stream.KindResult:
		if t := strings.TrimSpace(ev.Text); t != "" {
			buf.Reset()
			buf.WriteString(t)
		}
		return false
	}
	return inDelta
}

func appendTail(b *strings.Builder, line string) {
	b.WriteString(line)
	b.WriteByte('\n')
	if b.Len() > stderrTailLimit {
		s := b.String()
		b.Reset()
		b.WriteString(s[len(s)-stderrTailLimit:])
	}
}
