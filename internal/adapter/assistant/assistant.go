// Package assistant implements the AI-assistant session adapter. The
// assistant runs as a subprocess speaking newline-delimited JSON on
// stdin/stdout; the adapter supervises it, turns its stream into typed
// session events, and reconstructs conversations on resume by replaying
// the persisted transcript into a fresh process. There is no wire-level
// reconnection to a previous process.
package assistant

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sessionmux/sessionmux/internal/adapter"
	"github.com/sessionmux/sessionmux/internal/logging"
	"github.com/sessionmux/sessionmux/pkg/types"
)

// Permission modes accepted in session metadata.
const (
	PermissionBypass      = "bypassPermissions"
	PermissionDefault     = "default"
	PermissionAcceptEdits = "acceptEdits"
)

// History reads the persisted transcript for resume. The event store
// satisfies this.
type History interface {
	EventsSince(ctx context.Context, sessionID string, fromSeq int64, limit int) ([]types.Event, error)
}

// Config holds assistant adapter settings.
type Config struct {
	// Command is the assistant binary run per session unless the
	// session metadata overrides it.
	Command string

	// BypassPermissions makes bypassPermissions the default mode.
	BypassPermissions bool
}

// Adapter supervises assistant subprocesses.
type Adapter struct {
	cfg     Config
	history History
}

// New creates the assistant adapter. history supplies transcripts on
// resume.
func New(cfg Config, history History) *Adapter {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	return &Adapter{cfg: cfg, history: history}
}

// Kind returns the assistant kind discriminator.
func (a *Adapter) Kind() string { return types.KindAssistant }

// Create spawns the assistant process and waits for its init line.
func (a *Adapter) Create(ctx context.Context, sess *types.Session, emit adapter.EmitFunc) (adapter.Handle, error) {
	return a.spawn(ctx, sess, emit, nil)
}

// Resume spawns a fresh process and replays the persisted conversation
// into it before going live.
func (a *Adapter) Resume(ctx context.Context, sess *types.Session, lastSeq int64, emit adapter.EmitFunc) (adapter.Handle, error) {
	transcript, err := a.loadTranscript(ctx, sess.ID)
	if err != nil {
		return nil, types.WrapError(types.ErrStorageError, err, "load transcript")
	}
	return a.spawn(ctx, sess, emit, transcript)
}

// turn is one replayed conversation entry.
type turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// loadTranscript pages through persisted events and extracts the
// user/assistant turns that reconstruct conversation context.
func (a *Adapter) loadTranscript(ctx context.Context, sessionID string) ([]turn, error) {
	var turns []turn
	var from int64
	for {
		events, err := a.history.EventsSince(ctx, sessionID, from, 256)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return turns, nil
		}
		for _, ev := range events {
			from = ev.Seq
			switch {
			case ev.Channel == types.ChannelStdinEcho && ev.Type == "user-message":
				var p struct {
					Text string `json:"text"`
				}
				if json.Unmarshal(ev.Payload, &p) == nil {
					turns = append(turns, turn{Role: "user", Text: p.Text})
				}
			case ev.Channel == types.ChannelAssistantMessage && ev.Type == "message":
				var p struct {
					Text string `json:"text"`
				}
				if json.Unmarshal(ev.Payload, &p) == nil {
					turns = append(turns, turn{Role: "assistant", Text: p.Text})
				}
			}
		}
	}
}

func (a *Adapter) spawn(ctx context.Context, sess *types.Session, emit adapter.EmitFunc, transcript []turn) (adapter.Handle, error) {
	md, err := sess.ParseMetadata()
	if err != nil {
		return nil, types.WrapError(types.ErrBadArgs, err, "invalid assistant metadata")
	}

	command := md.Command
	if command == "" {
		command = a.cfg.Command
	}
	mode := md.PermissionMode
	if mode == "" {
		if a.cfg.BypassPermissions {
			mode = PermissionBypass
		} else {
			mode = PermissionDefault
		}
	}
	switch mode {
	case PermissionBypass, PermissionDefault, PermissionAcceptEdits:
	default:
		return nil, types.NewError(types.ErrBadArgs, "unknown permission mode %q", mode)
	}

	args := []string{"--output-format", "stream-json", "--input-format", "stream-json", "--permission-mode", mode}
	if md.Model != "" {
		args = append(args, "--model", md.Model)
	}

	h := &handle{
		sessionID: sess.ID,
		emit:      emit,
		done:      make(chan struct{}),
	}

	// Spawn failures can be transient (fork pressure); retry briefly
	// within the caller's spawn timeout.
	start := func() error {
		cmd := exec.Command(command, args...)
		cmd.Dir = sess.Cwd
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return err
		}
		if err := cmd.Start(); err != nil {
			return err
		}
		h.cmd = cmd
		h.stdin = stdin
		h.stdout = stdout
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 3), ctx)
	if err := backoff.Retry(start, policy); err != nil {
		if ctx.Err() != nil {
			return nil, types.WrapError(types.ErrSpawnTimeout, err, "assistant spawn timed out")
		}
		return nil, types.WrapError(types.ErrSpawnFailed, err, "start assistant %q", command)
	}

	ready := make(chan error, 1)
	go h.readLoop(ready)

	select {
	case err := <-ready:
		if err != nil {
			_ = h.Close(ctx, adapter.ReasonCreateFailed)
			return nil, types.WrapError(types.ErrSpawnFailed, err, "assistant handshake")
		}
	case <-ctx.Done():
		_ = h.Close(context.Background(), adapter.ReasonCreateFailed)
		return nil, types.NewError(types.ErrSpawnTimeout, "assistant produced no init within timeout")
	}

	for _, tr := range transcript {
		if err := h.writeLine(stdinMessage{Type: "replay", Role: tr.Role, Text: tr.Text}); err != nil {
			_ = h.Close(ctx, adapter.ReasonCreateFailed)
			return nil, types.WrapError(types.ErrSpawnFailed, err, "replay transcript")
		}
	}

	return h, nil
}

// stdinMessage is one JSON line written to the assistant's stdin.
type stdinMessage struct {
	Type string `json:"type"`
	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`
}

// streamLine is one parsed NDJSON line from the assistant's stdout.
type streamLine struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Model   string          `json:"model,omitempty"`
	Name    string          `json:"name,omitempty"`
	ID      string          `json:"id,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
	Message string          `json:"message,omitempty"`
}

type handle struct {
	sessionID string
	emit      adapter.EmitFunc

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	stdinMu   sync.Mutex
	closedMu  sync.Mutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}

	// partial accumulates streaming deltas for the current message.
	partial string
}

// readLoop parses NDJSON from the assistant and emits typed events.
// The first line must be an init message; its arrival resolves ready.
func (h *handle) readLoop(ready chan<- error) {
	defer close(h.done)

	scanner := bufio.NewScanner(h.stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	readySent := false
	resolve := func(err error) {
		if !readySent {
			readySent = true
			ready <- err
		}
	}

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var line streamLine
		if err := json.Unmarshal(raw, &line); err != nil {
			logging.Warn().Str("sessionID", h.sessionID).Msg("assistant emitted unparsable line")
			continue
		}

		if !readySent {
			if line.Type != "init" {
				resolve(fmt.Errorf("expected init line, got %q", line.Type))
				break
			}
			resolve(nil)
			continue
		}

		h.dispatch(line)
	}
	resolve(fmt.Errorf("assistant exited before init"))

	h.markClosed()
	code := 0
	if err := h.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	h.emit(types.Event{
		SessionID: h.sessionID,
		Channel:   types.ChannelStatus,
		Type:      types.StatusExited,
		Payload:   types.MarshalPayload(types.ExitPayload{Code: code}),
	})
}

// dispatch maps one stream line onto the session's event channels.
// Deltas are buffered so the full message is also emitted once complete.
func (h *handle) dispatch(line streamLine) {
	switch line.Type {
	case "delta":
		h.partial += line.Text
		h.emit(types.Event{
			SessionID: h.sessionID,
			Channel:   types.ChannelAssistantMessage,
			Type:      "delta",
			Payload:   types.MarshalPayload(map[string]string{"text": line.Text}),
		})

	case "message_end":
		text := h.partial
		h.partial = ""
		h.emit(types.Event{
			SessionID: h.sessionID,
			Channel:   types.ChannelAssistantMessage,
			Type:      "message",
			Payload:   types.MarshalPayload(map[string]string{"text": text}),
		})

	case "tool_call":
		h.emit(types.Event{
			SessionID: h.sessionID,
			Channel:   types.ChannelToolCall,
			Type:      line.Name,
			Payload:   types.MarshalPayload(map[string]any{"id": line.ID, "name": line.Name, "input": line.Input}),
		})

	case "tool_result":
		h.emit(types.Event{
			SessionID: h.sessionID,
			Channel:   types.ChannelToolResult,
			Type:      line.Name,
			Payload:   types.MarshalPayload(map[string]any{"id": line.ID, "output": line.Output}),
		})

	case "error":
		h.emit(types.Event{
			SessionID: h.sessionID,
			Channel:   types.ChannelError,
			Type:      "assistant-error",
			Payload:   types.MarshalPayload(map[string]string{"message": line.Message}),
		})

	default:
		logging.Debug().Str("sessionID", h.sessionID).Str("type", line.Type).
			Msg("ignoring unknown assistant line")
	}
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

func (h *handle) writeLine(msg stdinMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	_, err = h.stdin.Write(append(data, '\n'))
	return err
}

// SendInput delivers one user turn. Input is a single UTF-8 string; the
// adapter echoes it as a user-message event so the transcript is
// reconstructable on resume.
func (h *handle) SendInput(ctx context.Context, data []byte) error {
	if h.isClosed() {
		return types.NewError(types.ErrClosedSink, "assistant has exited")
	}

	text := string(data)
	if err := h.writeLine(stdinMessage{Type: "user", Role: "user", Text: text}); err != nil {
		return types.NewError(types.ErrClosedSink, "assistant stdin closed")
	}

	h.emit(types.Event{
		SessionID: h.sessionID,
		Channel:   types.ChannelStdinEcho,
		Type:      "user-message",
		Payload:   types.MarshalPayload(map[string]string{"text": text}),
	})
	return nil
}

// Perform supports interrupting the current turn.
func (h *handle) Perform(ctx context.Context, op string, args json.RawMessage) error {
	switch op {
	case "interrupt":
		if h.isClosed() {
			return types.NewError(types.ErrClosedSink, "assistant has exited")
		}
		if err := h.writeLine(stdinMessage{Type: "interrupt"}); err != nil {
			return types.NewError(types.ErrClosedSink, "assistant stdin closed")
		}
		return nil
	default:
		return types.NewError(types.ErrUnsupportedOperation, "assistant does not support %q", op)
	}
}

// Close asks the assistant to shut down, then closes stdin; a process
// that lingers is killed after a grace period.
func (h *handle) Close(ctx context.Context, reason string) error {
	h.closeOnce.Do(func() {
		_ = h.writeLine(stdinMessage{Type: "shutdown"})
		h.stdinMu.Lock()
		_ = h.stdin.Close()
		h.stdinMu.Unlock()

		go func() {
			select {
			case <-h.done:
			case <-time.After(5 * time.Second):
				logging.Warn().Str("sessionID", h.sessionID).Str("reason", reason).
					Msg("assistant did not exit on close, killing")
				if h.cmd.Process != nil {
					_ = h.cmd.Process.Kill()
				}
			}
		}()
	})
	return nil
}

// Done is closed once the stream has drained and status:exited emitted.
func (h *handle) Done() <-chan struct{} { return h.done }
