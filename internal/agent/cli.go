// ABOUTME: CLIProcess runs the agent CLI as a child process per turn.
// ABOUTME: Decodes its stream-json stdout into protocol Events on a channel.

package agent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/touwaeriol/claude-code-plus-sub005/internal/protocol"
)

const (
	// eventBufferSize matches the per-request channel buffer used elsewhere.
	eventBufferSize = 16
	// maxLineBytes bounds a single stream-json line. Tool results can be large.
	maxLineBytes = 4 * 1024 * 1024
	// stderrTailBytes is how much stderr we keep for failure reporting.
	stderrTailBytes = 8 * 1024
)

// CLIProcess implements Process by spawning the agent binary once per turn
// and decoding its line-delimited JSON output.
type CLIProcess struct {
	binary    string
	extraArgs []string
	logger    *slog.Logger

	mu      sync.Mutex
	current *invocation
}

// invocation is one child process. Liveness is tracked per invocation so a
// superseding Run never confuses a lingering predecessor with its own child.
type invocation struct {
	cmd *exec.Cmd

	mu    sync.Mutex
	alive bool
}

func (inv *invocation) isAlive() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.alive
}

func (inv *invocation) markDead() {
	inv.mu.Lock()
	inv.alive = false
	inv.mu.Unlock()
}

func (inv *invocation) signal(sig syscall.Signal) error {
	if inv.cmd == nil || inv.cmd.Process == nil {
		return nil
	}
	return inv.cmd.Process.Signal(sig)
}

// NewCLIProcess creates a process handle for the given agent binary.
// extraArgs are appended to every invocation (useful for test harnesses
// and site-specific flags). Pass nil logger for default.
func NewCLIProcess(binary string, extraArgs []string, logger *slog.Logger) *CLIProcess {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIProcess{
		binary:    binary,
		extraArgs: extraArgs,
		logger:    logger.With("component", "agent"),
	}
}

// buildArgs assembles the CLI argument list for one invocation.
func buildArgs(prompt string, opts RunOptions, extra []string) []string {
	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if opts.Resume && opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	return append(args, extra...)
}

// Run starts a fresh agent invocation and returns its event stream.
// The returned channel closes when the process exits, the stream ends,
// or ctx is cancelled. Run never blocks on the child after returning.
//
// A predecessor that ignored SIGTERM past the interrupt bound must not
// block the replacement turn: Run escalates it to SIGKILL and proceeds.
// Its consume goroutine still reaps it; its stream stays isolated.
func (p *CLIProcess) Run(ctx context.Context, prompt string, opts RunOptions) (<-chan *protocol.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prev := p.current; prev != nil && prev.isAlive() {
		p.logger.Warn("previous agent invocation still alive, escalating to SIGKILL")
		if err := prev.signal(syscall.SIGKILL); err != nil {
			p.logger.Warn("failed to kill previous agent invocation", "error", err)
		}
	}

	cmd := exec.Command(p.binary, buildArgs(prompt, opts, p.extraArgs)...)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	var stderr tailBuffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent process: %w", err)
	}

	inv := &invocation{cmd: cmd, alive: true}
	p.current = inv
	p.logger.Debug("agent process started",
		"pid", cmd.Process.Pid,
		"resume", opts.Resume,
		"model", opts.Model)

	events := make(chan *protocol.Event, eventBufferSize)
	go p.consume(ctx, inv, stdout, &stderr, events)
	return events, nil
}

// consume reads stdout lines, decodes them, and forwards Events until the
// stream ends or ctx is cancelled. It reaps the process before returning.
func (p *CLIProcess) consume(
	ctx context.Context,
	inv *invocation,
	stdout io.Reader,
	stderr *tailBuffer,
	events chan<- *protocol.Event,
) {
	defer close(events)

	sawTerminal := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

scan:
	for scanner.Scan() {
		decoded, err := protocol.DecodeLine(scanner.Bytes())
		if err != nil {
			p.logger.Warn("skipping undecodable stream line", "error", err)
			continue
		}
		for _, ev := range decoded {
			select {
			case events <- ev:
				if ev.Terminal() {
					sawTerminal = true
				}
			case <-ctx.Done():
				break scan
			}
		}
	}

	waitErr := inv.cmd.Wait()
	inv.markDead()

	if ctx.Err() != nil {
		// Cancelled turn: the stream just ends, no error event.
		p.logger.Debug("agent process reaped after cancellation", "wait_error", waitErr)
		return
	}

	if waitErr != nil && !sawTerminal {
		msg := fmt.Sprintf("agent process failed: %v", waitErr)
		if tail := stderr.String(); tail != "" {
			msg = fmt.Sprintf("%s: %s", msg, tail)
		}
		select {
		case events <- &protocol.Event{Kind: protocol.KindError, Error: msg}:
		case <-ctx.Done():
		}
		return
	}

	if err := scanner.Err(); err != nil && !sawTerminal {
		select {
		case events <- &protocol.Event{Kind: protocol.KindError, Error: fmt.Sprintf("reading agent stream: %v", err)}:
		case <-ctx.Done():
		}
	}
}

// Terminate signals the current invocation to stop. Returns true if a
// signal was delivered; the caller confirms actual death via IsAlive.
func (p *CLIProcess) Terminate() bool {
	p.mu.Lock()
	inv := p.current
	p.mu.Unlock()

	if inv == nil || !inv.isAlive() {
		return false
	}
	if err := inv.signal(syscall.SIGTERM); err != nil {
		p.logger.Warn("failed to signal agent process", "error", err)
		return false
	}
	return true
}

// IsAlive reports whether the most recent invocation is still running.
func (p *CLIProcess) IsAlive() bool {
	p.mu.Lock()
	inv := p.current
	p.mu.Unlock()
	return inv != nil && inv.isAlive()
}

// tailBuffer keeps the last stderrTailBytes of what is written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(b)
	if t.buf.Len() > stderrTailBytes {
		trimmed := t.buf.Bytes()[t.buf.Len()-stderrTailBytes:]
		rest := make([]byte, len(trimmed))
		copy(rest, trimmed)
		t.buf.Reset()
		t.buf.Write(rest)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}
