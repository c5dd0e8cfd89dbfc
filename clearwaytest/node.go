package clearwaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// Frame is a single raw frame the fake node writes to its client.
type Frame []byte

// Res builds a response/push envelope frame.
func Res(id uint64, method string, payload interface{}) Frame {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	frame, err := json.Marshal(map[string]interface{}{
		"res": []interface{}{id, method, json.RawMessage(raw), 0},
	})
	if err != nil {
		panic(err)
	}
	return frame
}

// TopErr builds a top-level error envelope frame.
func TopErr(code int, message string) Frame {
	frame, err := json.Marshal(map[string]interface{}{
		"error": map[string]interface{}{"code": code, "message": message},
	})
	if err != nil {
		panic(err)
	}
	return frame
}

// MethodErr builds a method-level error envelope frame, the shape the node
// uses for request rejections.
func MethodErr(id uint64, message string) Frame {
	return Res(id, "error", map[string]string{"error": message})
}

// Raw wraps arbitrary bytes, valid envelope or not.
func Raw(s string) Frame {
	return Frame(s)
}

// Handler scripts the node's reaction to one request method. It receives
// the request id and raw params and returns the frames to write back.
type Handler func(id uint64, params json.RawMessage) []Frame

// Node is an in-process clearing node speaking the real websocket envelope
// protocol. Tests script it per request method and can push unsolicited
// notifications.
type Node struct {
	t      testing.TB
	server *httptest.Server

	mu       sync.Mutex
	handlers map[string]Handler
	conns    []*nodeConn
	requests []Request
}

// nodeConn serializes writes; gorilla/websocket permits one writer at a
// time and pushes may interleave with handler responses.
type nodeConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *nodeConn) write(frame Frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Request records one request the node received.
type Request struct {
	ID     uint64
	Method string
	Params json.RawMessage
	Signed bool
}

var upgrader = websocket.Upgrader{}

// NewNode starts a fake clearing node. It is shut down via t.Cleanup.
func NewNode(t testing.TB) *Node {
	n := &Node{
		t:        t,
		handlers: make(map[string]Handler),
	}
	n.server = httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(n.server.Close)
	return n
}

// URL returns the ws:// address of the node.
func (n *Node) URL() string {
	return "ws" + strings.TrimPrefix(n.server.URL, "http")
}

// Handle scripts the reaction to a request method.
func (n *Node) Handle(method string, h Handler) {
	n.mu.Lock()
	n.handlers[method] = h
	n.mu.Unlock()
}

// Respond scripts a fixed single-frame answer: the response method echoes
// the request id.
func (n *Node) Respond(reqMethod, resMethod string, payload interface{}) {
	n.Handle(reqMethod, func(id uint64, _ json.RawMessage) []Frame {
		return []Frame{Res(id, resMethod, payload)}
	})
}

// AllowAuth scripts the standard handshake: auth_request is answered with a
// challenge, auth_verify with success.
func (n *Node) AllowAuth(challenge string) {
	n.Respond("auth_request", "auth_challenge", map[string]string{
		"challenge_message": challenge,
	})
	n.Respond("auth_verify", "auth_verify", map[string]bool{"success": true})
}

// Push writes an unsolicited notification to every connected client.
func (n *Node) Push(method string, payload interface{}) {
	n.PushRaw(Res(0, method, payload))
}

// PushRaw writes an arbitrary frame to every connected client.
func (n *Node) PushRaw(frame Frame) {
	n.mu.Lock()
	conns := make([]*nodeConn, len(n.conns))
	copy(conns, n.conns)
	n.mu.Unlock()
	for _, c := range conns {
		c.write(frame)
	}
}

// Requests returns a copy of everything received so far.
func (n *Node) Requests() []Request {
	n.mu.Lock()
	defer n.mu.Unlock()
	reqs := make([]Request, len(n.requests))
	copy(reqs, n.requests)
	return reqs
}

// RequestCount returns how many requests of the given method arrived.
func (n *Node) RequestCount(method string) int {
	var count int
	for _, r := range n.Requests() {
		if r.Method == method {
			count++
		}
	}
	return count
}

func (n *Node) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &nodeConn{ws: ws}
	n.mu.Lock()
	n.conns = append(n.conns, conn)
	n.mu.Unlock()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var frame struct {
			Req []json.RawMessage `json:"req"`
			Sig []string          `json:"sig"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil || len(frame.Req) < 2 {
			continue
		}
		var req Request
		_ = json.Unmarshal(frame.Req[0], &req.ID)
		_ = json.Unmarshal(frame.Req[1], &req.Method)
		if len(frame.Req) > 2 {
			req.Params = frame.Req[2]
		}
		req.Signed = len(frame.Sig) > 0

		n.mu.Lock()
		n.requests = append(n.requests, req)
		h := n.handlers[req.Method]
		n.mu.Unlock()

		if h == nil {
			continue
		}
		for _, f := range h(req.ID, req.Params) {
			conn.write(f)
		}
	}
}
