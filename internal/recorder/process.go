package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// LocationPlaceholder is substituted with the recorder's output directory in command arguments.
const LocationPlaceholder = "{location}"

var (
	// ErrAlreadyRunning is returned by Start while a previous capture process is still alive.
	ErrAlreadyRunning = errors.New("recorder: process already running")
	// ErrProcessExited is passed to OnExit when the capture process exits with status 0
	// while it should still be recording.
	ErrProcessExited = errors.New("recorder: capture process exited")
)

// ProcessCapability runs an external capture command for the duration of a recording.
// Stop interrupts the process and waits for it to flush and exit.
type ProcessCapability struct {
	name   string
	args   []string
	logger *slog.Logger

	// OnExit, when set, is called if the process exits on its own while recording,
	// including a zero exit status. Set it before the first Start.
	OnExit func(err error)

	mu       sync.Mutex
	cmd      *exec.Cmd
	done     chan struct{}
	waitErr  error
	stopping bool
}

// NewProcessCapability returns a capability that runs args[0] with args[1:].
func NewProcessCapability(name string, args []string, logger *slog.Logger) *ProcessCapability {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessCapability{name: name, args: append([]string(nil), args...), logger: logger}
}

// Start launches the command with the placeholder replaced by location.
func (p *ProcessCapability) Start(ctx context.Context, location string) error {
	if len(p.args) == 0 {
		return fmt.Errorf("recorder %s: empty command", p.name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		select {
		case <-p.done:
		default:
			return ErrAlreadyRunning
		}
	}
	args := make([]string, len(p.args))
	for i, a := range p.args {
		args[i] = strings.ReplaceAll(a, LocationPlaceholder, location)
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = location
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("recorder %s: start: %w", p.name, err)
	}
	done := make(chan struct{})
	p.cmd, p.done, p.waitErr, p.stopping = cmd, done, nil, false
	p.logger.Info("recorder process started", "recorder", p.name, "pid", cmd.Process.Pid)
	go p.wait(cmd, done)
	return nil
}

func (p *ProcessCapability) wait(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	stopping := p.stopping
	onExit := p.OnExit
	p.mu.Unlock()
	close(done)
	if stopping {
		return
	}
	if err == nil {
		err = ErrProcessExited
	}
	p.logger.Warn("recorder process exited", "recorder", p.name, "error", err)
	if onExit != nil {
		onExit(fmt.Errorf("recorder %s: process exited: %w", p.name, err))
	}
}

// Stop sends an interrupt and waits for the process to exit, killing it if ctx ends first.
// A process that already exited cleanly stops without error.
func (p *ProcessCapability) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	if cmd == nil {
		p.mu.Unlock()
		return nil
	}
	select {
	case <-done:
		err := p.waitErr
		p.cmd = nil
		p.mu.Unlock()
		if err != nil {
			return fmt.Errorf("recorder %s: process exited: %w", p.name, err)
		}
		return nil
	default:
	}
	p.stopping = true
	p.mu.Unlock()

	if err := cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("recorder interrupt failed", "recorder", p.name, "error", err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		p.clear()
		return fmt.Errorf("recorder %s: stop: %w", p.name, ctx.Err())
	}
	p.clear()
	return nil
}

func (p *ProcessCapability) clear() {
	p.mu.Lock()
	p.cmd = nil
	p.mu.Unlock()
}
