package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openclear/clearway/errors"
	"github.com/openclear/clearway/wire"
)

// DefaultDialTimeout bounds the websocket handshake.
const DefaultDialTimeout = 10 * time.Second

// Conn owns a single clearing-node websocket. All inbound frames are
// processed strictly in arrival order by one reader goroutine. Many calls
// may be in flight at once, each tracked by its own waiter.
//
// Correlation is by the echoed request id where the node provides one, and
// by response method name otherwise. Because method-name correlation cannot
// tell two concurrent same-method calls apart, Call serializes callers per
// method.
type Conn struct {
	ws  *websocket.Conn
	log *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*waiter
	gates   map[string]chan struct{}
	subs    map[string][]*subscriber
	err     error
	done    chan struct{}
}

type waiter struct {
	id     uint64
	method string
	ch     chan result
}

type result struct {
	payload json.RawMessage
	err     error
}

type subscriber struct {
	fn func(json.RawMessage)
}

// Dial opens a websocket connection to the clearing node and starts the
// read loop. The context bounds the handshake only; use DefaultDialTimeout
// unless the caller supplies a deadline.
func Dial(ctx context.Context, url string, log *zap.Logger) (*Conn, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDialTimeout)
		defer cancel()
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrNetwork, "dial %s: %s", url, err)
	}
	return NewConn(ws, log), nil
}

// NewConn wraps an established websocket and starts the read loop.
func NewConn(ws *websocket.Conn, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Conn{
		ws:      ws,
		log:     log,
		pending: make(map[uint64]*waiter),
		gates:   make(map[string]chan struct{}),
		subs:    make(map[string][]*subscriber),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// NextID returns a request id unique for this connection.
func (c *Conn) NextID() uint64 {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()
	return id
}

// Send writes a request without awaiting any response.
func (c *Conn) Send(req *wire.Request) error {
	raw, err := req.Marshal()
	if err != nil {
		return err
	}
	return c.write(raw)
}

// Call sends a request and blocks until the first envelope carrying the
// expected method arrives, an error envelope fails the wait, the timeout
// expires, or the context is cancelled. Exactly one of these outcomes
// settles the call; a cancelled caller releases its waiter slot immediately
// instead of leaving it to time out.
func (c *Conn) Call(ctx context.Context, req *wire.Request, expectMethod string, timeout time.Duration) (json.RawMessage, error) {
	if err := c.acquire(ctx, expectMethod); err != nil {
		return nil, err
	}
	defer c.release(expectMethod)

	w := &waiter{
		id:     req.ID,
		method: expectMethod,
		ch:     make(chan result, 1),
	}
	if err := c.register(w); err != nil {
		return nil, err
	}

	if err := c.Send(req); err != nil {
		c.remove(w)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-w.ch:
		return r.payload, r.err
	case <-timer.C:
		if c.remove(w) {
			return nil, errors.ErrTimeout.Newf("no %q response within %s", expectMethod, timeout)
		}
		// Settled concurrently with the timer firing.
		r := <-w.ch
		return r.payload, r.err
	case <-ctx.Done():
		if c.remove(w) {
			return nil, errors.Wrap(errors.ErrNetwork, ctx.Err().Error())
		}
		r := <-w.ch
		return r.payload, r.err
	}
}

// Notify subscribes to every envelope carrying the given method, including
// ones that also settle a Call waiter. The returned function cancels the
// subscription.
func (c *Conn) Notify(method string, fn func(json.RawMessage)) func() {
	sub := &subscriber{fn: fn}
	c.mu.Lock()
	c.subs[method] = append(c.subs[method], sub)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.subs[method]
		for i, s := range subs {
			if s == sub {
				c.subs[method] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Done is closed once the connection is no longer usable.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection terminated, nil while it is alive.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears the connection down and fails every pending wait.
func (c *Conn) Close() error {
	err := c.ws.Close()
	c.fail(errors.ErrNetwork.New("connection closed"))
	return err
}

func (c *Conn) write(raw []byte) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return errors.Wrap(errors.ErrNetwork, err.Error())
	}
	return nil
}

// acquire takes the per-method slot, serializing same-method calls so that
// method-name correlation cannot cross-talk.
func (c *Conn) acquire(ctx context.Context, method string) error {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	gate, ok := c.gates[method]
	if !ok {
		gate = make(chan struct{}, 1)
		c.gates[method] = gate
	}
	c.mu.Unlock()

	select {
	case gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Wrap(errors.ErrNetwork, ctx.Err().Error())
	case <-c.done:
		return c.Err()
	}
}

func (c *Conn) release(method string) {
	c.mu.Lock()
	gate := c.gates[method]
	c.mu.Unlock()
	<-gate
}

func (c *Conn) register(w *waiter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.pending[w.id] = w
	return nil
}

// remove deregisters a waiter, reporting false if it was already settled.
func (c *Conn) remove(w *waiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[w.id]; !ok {
		return false
	}
	delete(c.pending, w.id)
	return true
}

func (c *Conn) readLoop() {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(errors.Wrapf(errors.ErrNetwork, "read: %s", err))
			return
		}
		env, err := wire.ParseEnvelope(raw)
		if err != nil {
			// Malformed frame tolerance: drop, do not kill the
			// connection.
			c.log.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		c.dispatch(env)
	}
}

func (c *Conn) dispatch(env *wire.Envelope) {
	if env.Err != nil {
		// A node error fails every in-flight wait immediately rather
		// than letting each time out.
		c.log.Debug("rpc error", zap.String("message", env.Err.Error()))
		err := errors.Wrap(errors.ErrProtocol, env.Err.Error())
		c.failPending(err)
		c.fanout(wire.MethodError, env.Payload)
		return
	}

	c.mu.Lock()
	var w *waiter
	if env.ID != 0 {
		if cand, ok := c.pending[env.ID]; ok && cand.method == env.Method {
			w = cand
		}
	}
	if w == nil {
		// The node does not guarantee id echo on all deployments;
		// fall back to method-name correlation. Per-method
		// serialization guarantees at most one candidate.
		for _, cand := range c.pending {
			if cand.method == env.Method {
				w = cand
				break
			}
		}
	}
	if w != nil {
		delete(c.pending, w.id)
	}
	c.mu.Unlock()

	if w != nil {
		w.ch <- result{payload: env.Payload}
	}
	c.fanout(env.Method, env.Payload)
}

// failPending settles every pending waiter with the given error.
func (c *Conn) failPending(err error) {
	c.mu.Lock()
	settled := make([]*waiter, 0, len(c.pending))
	for id, w := range c.pending {
		delete(c.pending, id)
		settled = append(settled, w)
	}
	c.mu.Unlock()

	for _, w := range settled {
		w.ch <- result{err: err}
	}
}

// fail marks the connection dead and settles everything still waiting.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	close(c.done)
	c.mu.Unlock()

	c.failPending(err)
}

func (c *Conn) fanout(method string, payload json.RawMessage) {
	c.mu.Lock()
	subs := make([]*subscriber, len(c.subs[method]))
	copy(subs, c.subs[method])
	c.mu.Unlock()

	for _, s := range subs {
		s.fn(payload)
	}
}
