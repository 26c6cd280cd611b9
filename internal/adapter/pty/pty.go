// Package pty implements the pseudo-terminal session adapter. It spawns
// a login shell inside a pty sized to the requested geometry, forwards
// raw bytes in both directions, and emits a terminal status event when
// the shell exits. TTYs do not separate stdout from stderr, so all
// output flows on the stdout channel.
package pty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	creack "github.com/creack/pty"

	"github.com/sessionmux/sessionmux/internal/adapter"
	"github.com/sessionmux/sessionmux/internal/logging"
	"github.com/sessionmux/sessionmux/pkg/types"
)

const (
	defaultCols uint16 = 80
	defaultRows uint16 = 24

	readChunk = 4096
)

// Config holds pty adapter settings.
type Config struct {
	// DefaultShell is spawned when the session metadata names none.
	DefaultShell string
}

// Adapter spawns login shells in pseudo-terminals.
type Adapter struct {
	cfg Config
}

// New creates the pty adapter.
func New(cfg Config) *Adapter {
	if cfg.DefaultShell == "" {
		cfg.DefaultShell = "/bin/sh"
	}
	return &Adapter{cfg: cfg}
}

// Kind returns the pty kind discriminator.
func (a *Adapter) Kind() string { return types.KindPTY }

// Create spawns the shell and starts the output producer.
func (a *Adapter) Create(ctx context.Context, sess *types.Session, emit adapter.EmitFunc) (adapter.Handle, error) {
	md, err := sess.ParseMetadata()
	if err != nil {
		return nil, types.WrapError(types.ErrBadArgs, err, "invalid pty metadata")
	}

	shell := md.Shell
	if shell == "" {
		shell = a.cfg.DefaultShell
	}
	if _, err := os.Stat(shell); err != nil {
		return nil, types.WrapError(types.ErrSpawnFailed, err, "shell not found: %s", shell)
	}

	cols, rows := md.Cols, md.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}

	cmd := exec.Command(shell, "-l")
	cmd.Dir = sess.Cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	for k, v := range md.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	ptmx, err := creack.StartWithSize(cmd, &creack.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, types.WrapError(types.ErrSpawnFailed, err, "start pty")
	}

	h := &handle{
		sessionID: sess.ID,
		cmd:       cmd,
		ptmx:      ptmx,
		emit:      emit,
		done:      make(chan struct{}),
	}
	go h.readLoop()

	return h, nil
}

// Resume always fails: a dead shell cannot be re-attached.
func (a *Adapter) Resume(ctx context.Context, sess *types.Session, lastSeq int64, emit adapter.EmitFunc) (adapter.Handle, error) {
	return nil, types.NewError(types.ErrResumeUnsupported, "pty sessions cannot be re-attached")
}

// handle owns one live shell. The pty master is the single producer;
// readLoop is the only goroutine reading it.
type handle struct {
	sessionID string
	cmd       *exec.Cmd
	ptmx      *os.File
	emit      adapter.EmitFunc

	closeOnce sync.Once
	closedMu  sync.Mutex
	closed    bool
	done      chan struct{}
}

// readLoop drains pty output into the event stream, then reaps the
// shell and emits the terminal status event.
func (h *handle) readLoop() {
	defer close(h.done)

	buf := make([]byte, readChunk)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			h.emit(types.Event{
				SessionID: h.sessionID,
				Channel:   types.ChannelStdout,
				Type:      "data",
				Payload:   types.MarshalPayload(types.BytesPayload{Data: data}),
			})
		}
		if err != nil {
			// EIO is the normal master-side read error once the shell
			// exits; anything else is treated the same way.
			break
		}
	}

	code, signal := h.reap()
	h.markClosed()

	h.emit(types.Event{
		SessionID: h.sessionID,
		Channel:   types.ChannelStatus,
		Type:      types.StatusExited,
		Payload:   types.MarshalPayload(types.ExitPayload{Code: code, Signal: signal}),
	})
}

// reap waits for the shell and extracts its exit code and signal.
func (h *handle) reap() (int, string) {
	err := h.cmd.Wait()
	if err == nil {
		return 0, ""
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return exitErr.ExitCode(), ws.Signal().String()
		}
		return exitErr.ExitCode(), ""
	}

	logging.Warn().Err(err).Str("sessionID", h.sessionID).Msg("pty wait failed")
	return -1, ""
}

func (h *handle) markClosed() {
	h.closedMu.Lock()
	h.closed = true
	h.closedMu.Unlock()
}

func (h *handle) isClosed() bool {
	h.closedMu.Lock()
	defer h.closedMu.Unlock()
	return h.closed
}

// SendInput writes raw bytes to the pty master. The terminal's own echo
// produces the stdin-echo a client sees, so input is not emitted here.
func (h *handle) SendInput(ctx context.Context, data []byte) error {
	if h.isClosed() {
		return types.NewError(types.ErrClosedSink, "shell has exited")
	}
	if _, err := h.ptmx.Write(data); err != nil {
		if errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return types.NewError(types.ErrClosedSink, "shell has exited")
		}
		return fmt.Errorf("pty write: %w", err)
	}
	return nil
}

// Perform handles resize and signal operations.
func (h *handle) Perform(ctx context.Context, op string, args json.RawMessage) error {
	switch op {
	case adapter.OpResize:
		var p types.ResizePayload
		if err := json.Unmarshal(args, &p); err != nil || p.Cols == 0 || p.Rows == 0 {
			return types.NewError(types.ErrBadArgs, "resize requires positive cols and rows")
		}
		if h.isClosed() {
			return types.NewError(types.ErrClosedSink, "shell has exited")
		}
		if err := creack.Setsize(h.ptmx, &creack.Winsize{Cols: p.Cols, Rows: p.Rows}); err != nil {
			return fmt.Errorf("resize pty: %w", err)
		}
		h.emit(types.Event{
			SessionID: h.sessionID,
			Channel:   types.ChannelResize,
			Type:      "resize",
			Payload:   types.MarshalPayload(p),
		})
		return nil

	case adapter.OpSignal:
		var p struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(args, &p); err != nil || p.Name == "" {
			return types.NewError(types.ErrBadArgs, "signal requires a name")
		}
		sig, ok := signalByName(p.Name)
		if !ok {
			return types.NewError(types.ErrBadArgs, "unknown signal %q", p.Name)
		}
		if h.isClosed() {
			return types.NewError(types.ErrClosedSink, "shell has exited")
		}
		return h.cmd.Process.Signal(sig)

	default:
		return types.NewError(types.ErrUnsupportedOperation, "pty does not support %q", op)
	}
}

// Close terminates the shell. Idempotent; the terminal status event is
// emitted by readLoop once the process is reaped. Closing the master
// delivers EOF, letting a quiet shell exit cleanly with code 0; a shell
// that ignores it is killed after a grace period.
func (h *handle) Close(ctx context.Context, reason string) error {
	h.closeOnce.Do(func() {
		_ = h.ptmx.Close()
		go func() {
			select {
			case <-h.done:
			case <-time.After(5 * time.Second):
				logging.Warn().Str("sessionID", h.sessionID).Str("reason", reason).
					Msg("shell did not exit on close, killing")
				if h.cmd.Process != nil {
					_ = h.cmd.Process.Kill()
				}
			}
		}()
	})
	return nil
}

// Done is closed once readLoop has drained and emitted status:exited.
func (h *handle) Done() <-chan struct{} { return h.done }

func signalByName(name string) (os.Signal, bool) {
	switch name {
	case "SIGINT", "INT":
		return syscall.SIGINT, true
	case "SIGTERM", "TERM":
		return syscall.SIGTERM, true
	case "SIGHUP", "HUP":
		return syscall.SIGHUP, true
	case "SIGKILL", "KILL":
		return syscall.SIGKILL, true
	case "SIGQUIT", "QUIT":
		return syscall.SIGQUIT, true
	case "SIGUSR1", "USR1":
		return syscall.SIGUSR1, true
	case "SIGUSR2", "USR2":
		return syscall.SIGUSR2, true
	case "SIGWINCH", "WINCH":
		return syscall.SIGWINCH, true
	default:
		return nil, false
	}
}
