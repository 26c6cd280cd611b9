package kernel_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sessionmux/sessionmux/citest/testutil"
	"github.com/sessionmux/sessionmux/internal/transport"
	"github.com/sessionmux/sessionmux/pkg/types"
)

var ts *testutil.TestServer

func TestKernel(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Kernel Suite")
}

var _ = BeforeSuite(func() {
	var err error
	ts, err = testutil.StartTestServer()
	Expect(err).NotTo(HaveOccurred())
})

var _ = AfterSuite(func() {
	if ts != nil {
		ts.Close()
	}
})

// --- HTTP helpers ---

func postJSON(path string, body any, out any) int {
	var buf bytes.Buffer
	if body != nil {
		Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
	}
	resp, err := http.Post(ts.BaseURL+path, "application/json", &buf)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		Expect(json.NewDecoder(resp.Body).Decode(out)).To(Succeed())
	}
	return resp.StatusCode
}

func getJSON(path string, out any) int {
	resp, err := http.Get(ts.BaseURL + path)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		Expect(json.NewDecoder(resp.Body).Decode(out)).To(Succeed())
	}
	return resp.StatusCode
}

func deleteJSON(path string) int {
	req, err := http.NewRequest(http.MethodDelete, ts.BaseURL+path, nil)
	Expect(err).NotTo(HaveOccurred())
	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	resp.Body.Close()
	return resp.StatusCode
}

func createSession(kind, cwd string) *types.Session {
	var sess types.Session
	status := postJSON("/sessions", map[string]string{"kind": kind, "cwd": cwd}, &sess)
	Expect(status).To(Equal(http.StatusCreated))
	Expect(sess.ID).NotTo(BeEmpty())
	return &sess
}

func sessionStatus(id string) string {
	var sess types.Session
	Expect(getJSON("/sessions/"+id, &sess)).To(Equal(http.StatusOK))
	return string(sess.Status)
}

// --- websocket client ---

// wsClient is a minimal protocol client: it performs the hello/welcome
// handshake on dial and answers server pings so the heartbeat never
// drops it mid-spec.
type wsClient struct {
	conn    *websocket.Conn
	welcome transport.Message
}

func dialWS() *wsClient {
	conn, resp, err := websocket.DefaultDialer.Dial(ts.WSURL, nil)
	Expect(err).NotTo(HaveOccurred())
	if resp != nil {
		resp.Body.Close()
	}

	c := &wsClient{conn: conn}
	c.write(transport.Message{V: transport.ProtocolVersion, Op: transport.OpHello, ClientID: "citest", ProtocolVersion: transport.ProtocolVersion})
	welcome := c.next(5 * time.Second)
	Expect(welcome.Op).To(Equal(transport.OpWelcome))
	Expect(welcome.Caps).NotTo(BeNil())
	c.welcome = welcome
	return c
}

func (c *wsClient) close() {
	c.conn.Close()
}

func (c *wsClient) write(msg transport.Message) {
	Expect(c.conn.WriteJSON(msg)).To(Succeed())
}

func (c *wsClient) attach(sessionID string, fromSeq int64) {
	c.write(transport.Message{V: transport.ProtocolVersion, Op: transport.OpAttach, SessionID: sessionID, FromSeq: fromSeq})
}

func (c *wsClient) input(sessionID string, data []byte) {
	c.write(transport.Message{V: transport.ProtocolVersion, Op: transport.OpInput, SessionID: sessionID, Data: data})
}

func (c *wsClient) perform(sessionID, name string, args any) {
	raw, err := json.Marshal(args)
	Expect(err).NotTo(HaveOccurred())
	c.write(transport.Message{V: transport.ProtocolVersion, Op: transport.OpOp, SessionID: sessionID, Name: name, Args: raw})
}

// next reads one frame, transparently answering pings.
func (c *wsClient) next(timeout time.Duration) transport.Message {
	deadline := time.Now().Add(timeout)
	for {
		Expect(c.conn.SetReadDeadline(deadline)).To(Succeed())
		var msg transport.Message
		err := c.conn.ReadJSON(&msg)
		Expect(err).NotTo(HaveOccurred(), "reading websocket frame")
		if msg.Op == transport.OpPing {
			c.write(transport.Message{V: transport.ProtocolVersion, Op: transport.OpPong})
			continue
		}
		return msg
	}
}

// nextEvent reads frames until an event for sessionID arrives, skipping
// acks and pings. Error frames fail the spec.
func (c *wsClient) nextEvent(sessionID string, timeout time.Duration) types.Event {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		Expect(remaining > 0).To(BeTrue(), "timed out waiting for event on "+sessionID)
		msg := c.next(remaining)
		switch msg.Op {
		case transport.OpEvent:
			if msg.SessionID == sessionID {
				Expect(msg.Event).NotTo(BeNil())
				return *msg.Event
			}
		case transport.OpAck:
			// pacing only
		case transport.OpError:
			Fail(fmt.Sprintf("unexpected error frame: %s %s", msg.Kind, msg.Message))
		}
	}
}

// waitForEvent reads events until pred matches, accumulating nothing.
func (c *wsClient) waitForEvent(sessionID string, timeout time.Duration, pred func(types.Event) bool) types.Event {
	deadline := time.Now().Add(timeout)
	for {
		Expect(time.Now().Before(deadline)).To(BeTrue(), "timed out waiting for matching event")
		ev := c.nextEvent(sessionID, time.Until(deadline))
		if pred(ev) {
			return ev
		}
	}
}

// waitForOutput collects stdout bytes until the text appears.
func (c *wsClient) waitForOutput(sessionID, text string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	var collected bytes.Buffer
	for {
		Expect(time.Now().Before(deadline)).To(BeTrue(),
			"timed out waiting for output %q, got: %s", text, collected.String())
		ev := c.nextEvent(sessionID, time.Until(deadline))
		if ev.Channel != types.ChannelStdout {
			continue
		}
		var payload types.BytesPayload
		Expect(json.Unmarshal(ev.Payload, &payload)).To(Succeed())
		collected.Write(payload.Data)
		if bytes.Contains(collected.Bytes(), []byte(text)) {
			return
		}
	}
}
