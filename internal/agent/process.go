package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/creack/pty"

	"github.com/agusx1211/agenthub/internal/debug"
	"github.com/agusx1211/agenthub/internal/stream"
)

const defaultWaitDelay = 5 * time.Second

var (
	// ErrUnsupportedCLI is returned by Start for unknown CLI names.
	ErrUnsupportedCLI = errors.New("unsupported cli")
	// ErrInputClosed is returned by Send once the process no longer
	// accepts prompts on stdin.
	ErrInputClosed = errors.New("process input closed")
)

// Config describes one CLI launch.
type Config struct {
	CLI      string            // supported CLI name
	Command  string            // binary override; empty uses the CLI default
	Args     []string          // extra arguments
	Env      map[string]string // extra environment variables
	WorkDir  string
	Prompt   string
	ResumeID string // CLI session id to continue

	// PTY attaches stdout and stderr to a pseudo-terminal. Output is merged
	// and ANSI sequences are stripped before parsing.
	PTY bool

	WaitDelay time.Duration
}

// Output is one line produced by the process.
type Output struct {
	Stderr bool
	Line   stream.Line
}

// Exit is the final state of a process.
type Exit struct {
	Code int
	Err  error // set when the process could not be waited on
}

// Process is a running CLI. Callers must drain Output until it is closed.
type Process struct {
	cli  *CLI
	cmd  *exec.Cmd
	pid  int
	out  chan Output
	done chan struct{}

	mu          sync.Mutex
	stdin       io.WriteCloser
	inputClosed bool
	pending     int

	exit Exit
}

// Start launches the CLI described by cfg. The prompt is delivered on
// stdin; CLIs with StreamInput keep stdin open for Send until every
// submitted turn has produced a result.
func Start(ctx context.Context, cfg Config) (*Process, error) {
	cli, ok := Lookup(cfg.CLI)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCLI, cfg.CLI)
	}
	command := strings.TrimSpace(cfg.Command)
	if command == "" {
		command = cli.Command
	}
	args := cli.Args(cfg.Args, cfg.ResumeID)

	debug.LogKV("agent", "starting process",
		"cli", cli.Name,
		"binary", command,
		"args", strings.Join(args, " "),
		"workdir", cfg.WorkDir,
		"prompt_len", len(cfg.Prompt),
		"resume", cfg.ResumeID,
		"pty", cfg.PTY,
	)

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = buildEnv(cli.Name, cfg.Env)
	cmd.WaitDelay = cfg.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}

	p := &Process{
		cli:  cli,
		cmd:  cmd,
		out:  make(chan Output, 64),
		done: make(chan struct{}),
	}

	if cli.StreamInput {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		p.stdin = stdin
	} else {
		cmd.Stdin = strings.NewReader(cfg.Prompt)
		p.inputClosed = true
	}

	var err error
	if cfg.PTY {
		err = p.startPTY()
	} else {
		err = p.startPipes()
	}
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", cli.Name, err)
	}

	if cli.StreamInput {
		if err := p.Send(cfg.Prompt); err != nil {
			_ = p.Kill()
			go func() {
				for range p.out {
				}
			}()
			return nil, fmt.Errorf("deliver prompt: %w", err)
		}
	}
	return p, nil
}

func (p *Process) startPipes() error {
	setupProcessGroup(p.cmd)
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	p.cmd.Stdout = stdoutW
	p.cmd.Stderr = stderrW

	if err := p.cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		return err
	}
	p.pid = p.cmd.Process.Pid

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.pumpStdout(stdoutR)
	}()
	go func() {
		defer wg.Done()
		p.pumpStderr(stderrR)
	}()
	go func() {
		err := p.cmd.Wait()
		stdoutW.Close()
		stderrW.Close()
		wg.Wait()
		p.finish(err)
	}()
	return nil
}

func (p *Process) startPTY() error {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return fmt.Errorf("open pty: %w", err)
	}
	p.cmd.Stdout = tty
	p.cmd.Stderr = tty
	// A new session with the pty as controlling terminal; the child leads
	// its own process group.
	p.cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true, Ctty: 1}
	p.cmd.Cancel = func() error {
		if p.cmd.Process != nil {
			return syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}

	if err := p.cmd.Start(); err != nil {
		ptmx.Close()
		tty.Close()
		return err
	}
	tty.Close()
	p.pid = p.cmd.Process.Pid

	read := make(chan struct{})
	go func() {
		defer close(read)
		p.pumpPTY(ptmx)
	}()
	go func() {
		err := p.cmd.Wait()
		select {
		case <-read:
		case <-time.After(p.cmd.WaitDelay):
			// A surviving child still holds the terminal.
		}
		ptmx.Close()
		<-read
		p.finish(err)
	}()
	return nil
}

func (p *Process) pumpStdout(r io.Reader) {
	for line := range stream.Parse(context.Background(), r, stream.ForCLI(p.cli.Name)) {
		p.observe(line)
		p.out <- Output{Line: line}
	}
	_, _ = io.Copy(io.Discard, r)
}

func (p *Process) pumpStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := strings.TrimSpace(ansi.Strip(scanner.Text()))
		if text == "" {
			continue
		}
		p.out <- Output{Stderr: true, Line: stream.Line{
			Raw:    append([]byte(nil), scanner.Bytes()...),
			Events: []stream.Event{{Kind: stream.KindRaw, Text: text}},
		}}
	}
	// Keep draining so the writer never blocks.
	_, _ = io.Copy(io.Discard, r)
}

func (p *Process) pumpPTY(f *os.File) {
	parse := stream.ForCLI(p.cli.Name)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := strings.TrimSpace(ansi.Strip(scanner.Text()))
		if text == "" {
			continue
		}
		line := stream.ParseLine([]byte(text), parse)
		p.observe(line)
		p.out <- Output{Line: line}
	}
	// Linux reports EIO once the last terminal holder exits.
	if err := scanner.Err(); err != nil && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
		debug.LogKV("agent", "pty read failed", "cli", p.cli.Name, "pid", p.pid, "error", err)
	}
}

// observe closes stdin once every submitted turn has finished so that
// stream-input CLIs exit.
func (p *Process) observe(line stream.Line) {
	for _, ev := range line.Events {
		if ev.Kind != stream.KindResult {
			continue
		}
		p.mu.Lock()
		if p.stdin != nil && !p.inputClosed {
			p.pending--
			if p.pending <= 0 {
				p.inputClosed = true
				p.stdin.Close()
			}
		}
		p.mu.Unlock()
	}
}

func (p *Process) finish(waitErr error) {
	p.mu.Lock()
	if p.stdin != nil && !p.inputClosed {
		p.inputClosed = true
		p.stdin.Close()
	}
	p.mu.Unlock()

	if errors.Is(waitErr, exec.ErrWaitDelay) {
		waitErr = nil
	}
	code, err := extractExitCode(waitErr)
	p.exit = Exit{Code: code, Err: err}
	debug.LogKV("agent", "process exited", "cli", p.cli.Name, "pid", p.pid, "exit_code", code, "error", err)
	close(p.out)
	close(p.done)
}

// Send delivers a follow-up prompt to a running stream-input CLI.
func (p *Process) Send(prompt string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil || p.inputClosed {
		return ErrInputClosed
	}
	data, err := stream.ClaudeUserMessage(prompt)
	if err != nil {
		return err
	}
	if _, err := p.stdin.Write(data); err != nil {
		p.inputClosed = true
		p.stdin.Close()
		return fmt.Errorf("%w: %v", ErrInputClosed, err)
	}
	p.pending++
	return nil
}

// AcceptsInput reports whether Send would currently be accepted.
func (p *Process) AcceptsInput() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin != nil && !p.inputClosed
}

// PID returns the process id (also the process group id).
func (p *Process) PID() int { return p.pid }

// CLI returns the launched CLI name.
func (p *Process) CLI() string { return p.cli.Name }

// Output returns the merged output stream. It is closed after exit.
func (p *Process) Output() <-chan Output { return p.out }

// Done is closed after the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// Interrupt sends SIGINT to the process group.
func (p *Process) Interrupt() error {
	return signalGroup(p.pid, syscall.SIGINT)
}

// Kill sends SIGKILL to the process group.
func (p *Process) Kill() error {
	return signalGroup(p.pid, syscall.SIGKILL)
}

// Wait blocks until the process has exited.
func (p *Process) Wait(ctx context.Context) (Exit, error) {
	select {
	case <-p.done:
		return p.exit, nil
	case <-ctx.Done():
		return Exit{}, ctx.Err()
	}
}
