// Package bridge implements the message protocol between sandboxed mini-app
// code and native capability handlers. Calls are correlation-keyed, not
// delivery-ordered: native handlers may complete out of order, so callers
// match responses by ID.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	apperr "github.com/miniapphost/runtime/internal/errors"
	"github.com/miniapphost/runtime/internal/metrics"
	"github.com/miniapphost/runtime/pkg/logger"
)

// Direction of a wire message.
const (
	DirectionRequest  = "request"
	DirectionResponse = "response"
)

// WireError is the structured error carried in a response message.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Message is the bridge wire format, both directions.
type Message struct {
	ID        string          `json:"id"`
	Direction string          `json:"direction"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *WireError      `json:"error,omitempty"`
}

// Handler executes a native capability. It runs only after the permission
// check has passed for the requesting instance.
type Handler func(ctx context.Context, appID string, params json.RawMessage) (any, error)

// PermissionChecker gates every inbound invocation.
type PermissionChecker interface {
	HasPermission(appID, capability string) bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithInvokeTimeout sets the per-call timeout. It is independent of, and
// normally much shorter than, the sandbox-wide execution timeout.
func WithInvokeTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.invokeTimeout = d }
}

// WithConcurrency sets the number of dispatch workers per connection.
func WithConcurrency(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithRateLimit caps invocations per second per connection. Zero disables
// the limiter.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(b *Bridge) {
		b.rateLimit = perSecond
		b.rateBurst = burst
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(b *Bridge) { b.metrics = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *logger.Logger) Option {
	return func(b *Bridge) { b.log = l.Component("bridge") }
}

// Bridge holds the dispatch table and mints per-instance connections.
type Bridge struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	perms         PermissionChecker
	invokeTimeout time.Duration
	concurrency   int
	rateLimit     float64
	rateBurst     int
	metrics       metrics.Collector
	log           *logger.Logger
}

// New creates a bridge backed by the given permission checker.
func New(perms PermissionChecker, opts ...Option) *Bridge {
	b := &Bridge{
		handlers:      make(map[string]Handler),
		perms:         perms,
		invokeTimeout: 10 * time.Second,
		concurrency:   8,
		metrics:       metrics.NewNopCollector(),
		log:           logger.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterHandler associates a capability name with a native handler.
// Last registration wins. Registration is expected at startup, not during a
// live call.
func (b *Bridge) RegisterHandler(method string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = handler
}

// handler looks up the dispatch table.
func (b *Bridge) handler(method string) (Handler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handlers[method]
	return h, ok
}

// Methods returns the registered capability names.
func (b *Bridge) Methods() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.handlers))
	for m := range b.handlers {
		out = append(out, m)
	}
	return out
}

// Conn is one sandbox instance's connection to the bridge. Requests are
// queued for dispatch; the caller suspends until the correlated response
// arrives or its timeout elapses.
type Conn struct {
	bridge *Bridge
	appID  string

	mu      sync.Mutex
	pending map[string]chan Message
	closed  bool

	requests chan Message
	eventsCh chan Message
	done     chan struct{}
	wg       sync.WaitGroup
	limiter  *rate.Limiter
}

// Connect creates a connection for one instance and starts its dispatch
// workers.
func (b *Bridge) Connect(appID string) *Conn {
	c := &Conn{
		bridge:   b,
		appID:    appID,
		pending:  make(map[string]chan Message),
		requests: make(chan Message, 64),
		eventsCh: make(chan Message, 64),
		done:     make(chan struct{}),
	}
	if b.rateLimit > 0 {
		burst := b.rateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(b.rateLimit), burst)
	}

	for i := 0; i < b.concurrency; i++ {
		c.wg.Add(1)
		go c.dispatchLoop()
	}
	return c
}

// Invoke issues a capability invocation and suspends the caller until the
// correlated response arrives or the call times out.
func (c *Conn) Invoke(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	start := time.Now()
	result, err := c.invoke(ctx, method, params)
	c.bridge.metrics.RecordInvoke(c.appID, method, time.Since(start), err)
	return result, err
}

func (c *Conn) invoke(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if len(params) > 0 && !gjson.ValidBytes(params) {
		return nil, apperr.Newf(apperr.CodeInvalidParams, "params for %q are not valid json", method)
	}
	if c.limiter != nil && !c.limiter.Allow() {
		return nil, apperr.Newf(apperr.CodeRateLimited, "invocation rate limit exceeded for %s", c.appID)
	}

	id := uuid.NewString()
	ch := make(chan Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperr.New(apperr.CodeInstanceTerminated, "bridge connection is closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := Message{ID: id, Direction: DirectionRequest, Method: method, Params: params}

	timer := time.NewTimer(c.bridge.invokeTimeout)
	defer timer.Stop()

	select {
	case c.requests <- req:
	case <-timer.C:
		return nil, apperr.Newf(apperr.CodeBridgeTimeout, "dispatch queue full for %q", method)
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.CodeBridgeTimeout, "invoke cancelled", ctx.Err())
	case <-c.done:
		return nil, apperr.New(apperr.CodeInstanceTerminated, "bridge connection is closed")
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, wireToError(resp.Error, method)
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, apperr.Newf(apperr.CodeBridgeTimeout, "no response for %q within %s", method, c.bridge.invokeTimeout)
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.CodeBridgeTimeout, "invoke cancelled", ctx.Err())
	case <-c.done:
		return nil, apperr.New(apperr.CodeInstanceTerminated, "bridge connection is closed")
	}
}

// dispatchLoop services queued requests. Multiple workers run concurrently,
// which is why response order is not request order.
func (c *Conn) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case req := <-c.requests:
			c.deliver(c.dispatch(req))
		case <-c.done:
			return
		}
	}
}

// dispatch runs the permission check and, if it passes, the native handler.
// A denied capability never reaches its handler.
func (c *Conn) dispatch(req Message) Message {
	resp := Message{ID: req.ID, Direction: DirectionResponse}

	if !c.bridge.perms.HasPermission(c.appID, req.Method) {
		c.bridge.metrics.RecordInvokeDenied(c.appID, req.Method)
		resp.Error = &WireError{
			Code:    apperr.WirePermissionDenied,
			Message: fmt.Sprintf("capability %q not granted", req.Method),
		}
		return resp
	}

	handler, ok := c.bridge.handler(req.Method)
	if !ok {
		resp.Error = &WireError{
			Code:    apperr.WireMethodNotFound,
			Message: fmt.Sprintf("unknown method %q", req.Method),
		}
		return resp
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.bridge.invokeTimeout)
	defer cancel()

	result, err := c.safeHandle(ctx, handler, req)
	if err != nil {
		resp.Error = &WireError{Code: apperr.WireCode(apperr.CodeOf(err)), Message: err.Error()}
		return resp
	}

	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = &WireError{Code: apperr.WireInternal, Message: "handler result not serializable"}
		return resp
	}
	resp.Result = raw
	return resp
}

// safeHandle converts a handler panic into a structured error instead of
// letting it take down the dispatch worker.
func (c *Conn) safeHandle(ctx context.Context, handler Handler, req Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.bridge.log.Error().Str("app_id", c.appID).Str("method", req.Method).
				Interface("panic", r).Msg("native handler panicked")
			err = apperr.Newf(apperr.CodeInternal, "handler for %q failed", req.Method)
		}
	}()
	return handler(ctx, c.appID, req.Params)
}

// deliver routes a response to the pending waiter, if it is still there.
func (c *Conn) deliver(resp Message) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// Push delivers a native-to-mini-app event. Non-blocking: if the instance is
// not draining its event queue the oldest events are dropped.
func (c *Conn) Push(method string, params json.RawMessage) {
	msg := Message{
		ID:        uuid.NewString(),
		Direction: DirectionRequest,
		Method:    method,
		Params:    params,
	}
	for {
		select {
		case c.eventsCh <- msg:
			return
		case <-c.done:
			return
		default:
		}
		select {
		case <-c.eventsCh: // drop oldest
		default:
		}
	}
}

// Events exposes the native-to-mini-app event stream.
func (c *Conn) Events() <-chan Message { return c.eventsCh }

// AppID returns the owning instance's app ID.
func (c *Conn) AppID() string { return c.appID }

// Close tears the connection down. Pending invocations fail with an
// InstanceTerminated error; it is safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
}

// wireToError converts a wire error back into the taxonomy for Go callers.
func wireToError(we *WireError, method string) error {
	switch we.Code {
	case apperr.WirePermissionDenied:
		return apperr.New(apperr.CodePermissionDenied, we.Message)
	case apperr.WireMethodNotFound:
		return apperr.New(apperr.CodeMethodNotFound, we.Message)
	case apperr.WireInvalidParams:
		return apperr.New(apperr.CodeInvalidParams, we.Message)
	case apperr.WireBridgeTimeout:
		return apperr.New(apperr.CodeBridgeTimeout, we.Message)
	case apperr.WireRateLimited:
		return apperr.New(apperr.CodeRateLimited, we.Message)
	case apperr.WireNetworkAccessDenied:
		return apperr.New(apperr.CodeNetworkAccessDenied, we.Message)
	default:
		return apperr.Newf(apperr.CodeInternal, "%s: %s", method, we.Message)
	}
}
