package kernel_test

import (
	"encoding/json"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sessionmux/sessionmux/internal/adapter"
	"github.com/sessionmux/sessionmux/internal/orchestrator"
	"github.com/sessionmux/sessionmux/internal/transport"
	"github.com/sessionmux/sessionmux/pkg/types"
)

var _ = Describe("Terminal sessions", func() {
	It("runs a shell through its full lifecycle", func() {
		sess := createSession(types.KindPTY, "")
		Expect(string(sess.Status)).To(Equal("running"))

		client := dialWS()
		defer client.close()
		Expect(client.welcome.Caps.Kinds).To(ContainElement(types.KindPTY))

		client.attach(sess.ID, 0)

		// Replay starts at the beginning of the log.
		first := client.nextEvent(sess.ID, 5*time.Second)
		Expect(first.Seq).To(Equal(int64(1)))
		Expect(first.Channel).To(Equal(types.ChannelStatus))
		Expect(first.Type).To(Equal(types.StatusCreated))

		// The arithmetic keeps the expected text out of the terminal's
		// echo of the command itself.
		client.input(sess.ID, []byte("echo kernel-$((40+2))\n"))
		client.waitForOutput(sess.ID, "kernel-42", 10*time.Second)

		Expect(postJSON("/sessions/"+sess.ID+"/close", nil, nil)).To(Equal(http.StatusOK))

		exited := client.waitForEvent(sess.ID, 10*time.Second, func(ev types.Event) bool {
			return ev.Channel == types.ChannelStatus && ev.Type == types.StatusExited
		})
		var exit types.ExitPayload
		Expect(json.Unmarshal(exited.Payload, &exit)).To(Succeed())

		Eventually(func() string {
			return sessionStatus(sess.ID)
		}, 5*time.Second, 50*time.Millisecond).Should(Equal("stopped"))

		// The persisted log is dense from 1 with the terminal event last.
		var history struct {
			Events []types.Event `json:"events"`
		}
		Expect(getJSON("/sessions/"+sess.ID+"/history", &history)).To(Equal(http.StatusOK))
		Expect(history.Events).NotTo(BeEmpty())
		for i, ev := range history.Events {
			Expect(ev.Seq).To(Equal(int64(i + 1)))
		}
		last := history.Events[len(history.Events)-1]
		Expect(last.Channel).To(Equal(types.ChannelStatus))
		Expect(last.Type).To(Equal(types.StatusExited))

		// A dead shell cannot come back.
		Expect(postJSON("/sessions/"+sess.ID+"/resume", nil, nil)).To(Equal(http.StatusConflict))

		Expect(deleteJSON("/sessions/" + sess.ID)).To(Equal(http.StatusOK))
		Expect(getJSON("/sessions/"+sess.ID, nil)).To(Equal(http.StatusNotFound))
	})

	It("replays recorded output to a late attacher", func() {
		sess := createSession(types.KindPTY, "")
		defer func() {
			postJSON("/sessions/"+sess.ID+"/close", nil, nil)
		}()

		early := dialWS()
		defer early.close()
		early.attach(sess.ID, 0)

		early.input(sess.ID, []byte("echo kernel-$((50+9))\n"))
		early.waitForOutput(sess.ID, "kernel-59", 10*time.Second)

		// A client attaching after the fact sees the same log from seq 1.
		late := dialWS()
		defer late.close()
		late.attach(sess.ID, 0)

		first := late.nextEvent(sess.ID, 5*time.Second)
		Expect(first.Seq).To(Equal(int64(1)))
		late.waitForOutput(sess.ID, "kernel-59", 10*time.Second)
	})

	It("skips replay below fromSeq", func() {
		sess := createSession(types.KindPTY, "")
		defer func() {
			postJSON("/sessions/"+sess.ID+"/close", nil, nil)
		}()

		client := dialWS()
		defer client.close()
		client.attach(sess.ID, 0)
		ev := client.nextEvent(sess.ID, 5*time.Second)
		Expect(ev.Seq).To(Equal(int64(1)))

		resumed := dialWS()
		defer resumed.close()
		resumed.attach(sess.ID, 1)

		resumed.input(sess.ID, []byte("echo kernel-$((60+6))\n"))
		deadline := time.Now().Add(10 * time.Second)
		for {
			Expect(time.Now().Before(deadline)).To(BeTrue())
			ev := resumed.nextEvent(sess.ID, time.Until(deadline))
			Expect(ev.Seq).To(BeNumerically(">", 1))
			if ev.Channel == types.ChannelStdout {
				break
			}
		}
	})
})

var _ = Describe("File editor sessions", func() {
	var sess *types.Session
	var client *wsClient

	BeforeEach(func() {
		sess = createSession(types.KindFileEditor, "")
		client = dialWS()
		client.attach(sess.ID, 0)
		first := client.nextEvent(sess.ID, 5*time.Second)
		Expect(first.Type).To(Equal(types.StatusCreated))
	})

	AfterEach(func() {
		postJSON("/sessions/"+sess.ID+"/close", nil, nil)
		client.close()
	})

	It("writes, reads, and globs files through operations", func() {
		client.perform(sess.ID, adapter.OpWrite, map[string]string{
			"file":    "notes.txt",
			"content": "first line\n",
		})
		wrote := client.waitForEvent(sess.ID, 5*time.Second, func(ev types.Event) bool {
			return ev.Channel == types.ChannelToolResult && ev.Type == "write"
		})
		var writeResult struct {
			File      string `json:"file"`
			Additions int    `json:"additions"`
		}
		Expect(json.Unmarshal(wrote.Payload, &writeResult)).To(Succeed())
		Expect(writeResult.File).To(Equal("notes.txt"))
		Expect(writeResult.Additions).To(Equal(1))

		client.perform(sess.ID, adapter.OpRead, map[string]string{"file": "notes.txt"})
		read := client.waitForEvent(sess.ID, 5*time.Second, func(ev types.Event) bool {
			return ev.Channel == types.ChannelToolResult && ev.Type == "read"
		})
		var readResult struct {
			Content string `json:"content"`
		}
		Expect(json.Unmarshal(read.Payload, &readResult)).To(Succeed())
		Expect(readResult.Content).To(Equal("first line\n"))

		client.perform(sess.ID, adapter.OpGlob, map[string]string{"pattern": "**/*.txt"})
		globbed := client.waitForEvent(sess.ID, 5*time.Second, func(ev types.Event) bool {
			return ev.Channel == types.ChannelToolResult && ev.Type == "glob"
		})
		var globResult struct {
			Files []string `json:"files"`
		}
		Expect(json.Unmarshal(globbed.Payload, &globResult)).To(Succeed())
		Expect(globResult.Files).To(ContainElement("notes.txt"))
	})

	It("rejects paths escaping the session root", func() {
		client.perform(sess.ID, adapter.OpRead, map[string]string{"file": "../outside.txt"})
		msg := client.next(5 * time.Second)
		Expect(msg.Op).To(Equal(transport.OpError))
		Expect(msg.Kind).To(Equal(types.ErrBadArgs))
	})
})

var _ = Describe("HTTP surface", func() {
	It("rejects unknown session kinds", func() {
		status := postJSON("/sessions", map[string]string{"kind": "teleporter"}, nil)
		Expect(status).To(Equal(http.StatusBadRequest))
	})

	It("returns 404 for history of unknown sessions", func() {
		Expect(getJSON("/sessions/no-such-id/history", nil)).To(Equal(http.StatusNotFound))
	})

	It("reports health", func() {
		var body map[string]string
		Expect(getJSON("/health", &body)).To(Equal(http.StatusOK))
		Expect(body["status"]).To(Equal("ok"))
	})

	It("lists the workspaces sessions ran in", func() {
		sess := createSession(types.KindFileEditor, "scratch")
		defer postJSON("/sessions/"+sess.ID+"/close", nil, nil)

		var workspaces []*types.Workspace
		Expect(getJSON("/workspaces", &workspaces)).To(Equal(http.StatusOK))
		paths := make([]string, 0, len(workspaces))
		for _, ws := range workspaces {
			paths = append(paths, ws.Path)
		}
		Expect(paths).To(ContainElement(sess.Cwd))
	})

	It("reports resume of a running session as a no-op", func() {
		sess := createSession(types.KindFileEditor, "")
		defer postJSON("/sessions/"+sess.ID+"/close", nil, nil)

		var res orchestrator.ResumeResult
		Expect(postJSON("/sessions/"+sess.ID+"/resume", nil, &res)).To(Equal(http.StatusOK))
		Expect(res.Resumed).To(BeFalse())
		Expect(res.Reason).To(Equal("already-running"))
	})
})

var _ = Describe("Stream protocol", func() {
	It("rejects attach to unknown sessions", func() {
		client := dialWS()
		defer client.close()

		client.attach("no-such-session", 0)
		msg := client.next(5 * time.Second)
		Expect(msg.Op).To(Equal(transport.OpError))
		Expect(msg.Kind).To(Equal(types.ErrSessionNotFound))
	})

	It("rejects input to stopped sessions", func() {
		sess := createSession(types.KindPTY, "")
		client := dialWS()
		defer client.close()
		client.attach(sess.ID, 0)

		Expect(postJSON("/sessions/"+sess.ID+"/close", nil, nil)).To(Equal(http.StatusOK))
		client.waitForEvent(sess.ID, 10*time.Second, func(ev types.Event) bool {
			return ev.Channel == types.ChannelStatus && ev.Type == types.StatusExited
		})
		Eventually(func() string {
			return sessionStatus(sess.ID)
		}, 5*time.Second, 50*time.Millisecond).Should(Equal("stopped"))

		client.input(sess.ID, []byte("ls\n"))
		msg := client.next(5 * time.Second)
		Expect(msg.Op).To(Equal(transport.OpError))
		Expect(msg.Kind).To(Equal(types.ErrSessionNotLive))
	})

	It("rejects malformed handshakes", func() {
		client := dialWS()
		defer client.close()

		client.write(transport.Message{V: transport.ProtocolVersion, Op: "warp"})
		msg := client.next(5 * time.Second)
		Expect(msg.Op).To(Equal(transport.OpError))
		Expect(msg.Kind).To(Equal(types.ErrProtocolError))
	})
})
