package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State describes the client lifecycle: Stopped -> Starting -> Running ->
// Stopping -> Stopped.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

const (
	receivePoll       = 500 * time.Millisecond
	enableTimeout     = 2 * time.Second
	loopExitWait      = 2 * time.Second
	defaultCmdTimeout = 30 * time.Second
)

// ClientOptions tune a protocol client. Zero values fall back to defaults.
type ClientOptions struct {
	AutoReconnect   bool
	DefaultTimeout  time.Duration
	EventBufferSize int
	EventQueueSize  int
}

type eventObserver struct {
	id int64
	fn func(Event)
}

// Client turns a Transport into a request/response plus event-stream API.
// Command ids are allocated monotonically and correlated to responses by id;
// unsolicited frames are buffered per domain and fanned out to observers.
type Client struct {
	transport      *Transport
	autoReconnect  bool
	defaultTimeout time.Duration

	state atomic.Int32

	corrMu  sync.Mutex
	nextID  uint64
	pending map[uint64]chan json.RawMessage

	events *EventStore

	observerMu  sync.RWMutex
	observers   map[string][]eventObserver
	observerSeq atomic.Int64

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

func NewClient(transport *Transport, opts ClientOptions) *Client {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultCmdTimeout
	}
	return &Client{
		transport:      transport,
		autoReconnect:  opts.AutoReconnect,
		defaultTimeout: opts.DefaultTimeout,
		pending:        make(map[uint64]chan json.RawMessage),
		events:         NewEventStore(opts.EventBufferSize, opts.EventQueueSize),
		observers:      make(map[string][]eventObserver),
	}
}

// Start connects the transport, launches the receive loop, and enables the
// default domain set. Individual domain-enable failures are tolerated.
func (c *Client) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return newErrorf(CodeValidation, "client not stopped (state %s)", State(c.state.Load()))
	}

	if err := c.transport.Connect(ctx); err != nil {
		c.state.Store(int32(StateStopped))
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.loopCancel = cancel
	c.loopDone = make(chan struct{})
	go c.receiveLoop(loopCtx)

	c.enableDomains(ctx)
	c.state.Store(int32(StateRunning))
	slog.Info("cdp client started", "target", c.transport.httpBase())
	return nil
}

// Stop signals the receive loop, disconnects the transport, and waits a
// bounded time for the loop to exit. Safe to call on a stopped client.
func (c *Client) Stop() {
	if !c.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) &&
		!c.state.CompareAndSwap(int32(StateStarting), int32(StateStopping)) {
		return
	}

	if c.loopCancel != nil {
		c.loopCancel()
	}
	c.transport.Disconnect()

	if c.loopDone != nil {
		select {
		case <-c.loopDone:
		case <-time.After(loopExitWait):
			slog.Warn("receive loop did not exit in time")
		}
	}

	c.closeAllPending()
	c.state.Store(int32(StateStopped))
	slog.Info("cdp client stopped")
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// IsConnected reports transport liveness.
func (c *Client) IsConnected() bool {
	return c.transport.IsConnected()
}

// enableDomains issues <Domain>.enable for the default set, tolerating
// per-domain failures.
func (c *Client) enableDomains(ctx context.Context) {
	for _, d := range defaultDomains {
		if _, err := c.SendCommand(ctx, string(d)+".enable", nil, enableTimeout); err != nil {
			slog.Warn("domain enable failed", "domain", d, "error", err)
		}
	}
}

// receiveLoop drains the transport for the lifetime of the client, routing
// response frames to waiting callers and event frames to the store.
func (c *Client) receiveLoop(ctx context.Context) {
	defer close(c.loopDone)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !c.transport.IsConnected() {
			if !c.autoReconnect {
				return
			}
			if err := c.transport.Reconnect(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, errReconnectExhausted) {
					slog.Error("reconnect exhausted, receive loop exiting", "error", err)
					return
				}
				continue
			}
			c.enableDomains(ctx)
			continue
		}

		data, err := c.transport.Receive(receivePoll)
		if err != nil {
			if errors.Is(err, errReceiveTimeout) {
				continue
			}
			// Transport flagged itself disconnected; next pass reconnects.
			slog.Debug("receive failed", "error", err)
			continue
		}

		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var frame struct {
		ID        uint64          `json:"id"`
		Method    string          `json:"method"`
		SessionID string          `json:"sessionId"`
		Params    json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Debug("malformed inbound frame", "error", err, "size", len(data))
		return
	}

	if frame.ID > 0 {
		c.corrMu.Lock()
		ch, ok := c.pending[frame.ID]
		if ok {
			delete(c.pending, frame.ID)
		}
		c.corrMu.Unlock()
		if ok {
			ch <- json.RawMessage(data)
		}
		// Unknown id: the caller already timed out. Drop.
		return
	}

	if frame.Method == "" {
		return
	}

	ev := Event{
		Method:    frame.Method,
		Domain:    DomainOf(frame.Method),
		Params:    frame.Params,
		SessionID: frame.SessionID,
		Timestamp: time.Now().UTC(),
	}
	c.events.Append(ev)
	c.dispatchEvent(ev)
}

// SendCommand sends {id, method, params?} and blocks until the matching
// response arrives or timeout elapses. A non-positive timeout uses the
// client default. The pending entry is removed on every exit path.
func (c *Client) SendCommand(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	if !c.transport.IsConnected() {
		return nil, newErrorf(CodeNotConnected, "%s: transport not connected", method)
	}

	c.corrMu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan json.RawMessage, 1)
	c.pending[id] = ch
	c.corrMu.Unlock()

	req := struct {
		ID     uint64 `json:"id"`
		Method string `json:"method"`
		Params any    `json:"params,omitempty"`
	}{ID: id, Method: method, Params: params}

	data, err := json.Marshal(req)
	if err != nil {
		c.removePending(id)
		return nil, newError(CodeValidation, "marshal "+method, err)
	}

	if err := c.transport.Send(data); err != nil {
		c.removePending(id)
		return nil, err
	}

	start := time.Now()
	select {
	case raw, ok := <-ch:
		if !ok {
			return nil, newErrorf(CodeNotConnected, "%s: connection closed", method)
		}
		return parseResponse(method, raw)
	case <-time.After(timeout):
		c.removePending(id)
		return nil, newErrorf(CodeCommandTimeout, "%s: no response after %s", method, time.Since(start).Round(time.Millisecond))
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

// parseResponse surfaces the result payload or the browser-reported error.
func parseResponse(method string, raw json.RawMessage) (json.RawMessage, error) {
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int64  `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return raw, nil
	}
	if resp.Error != nil {
		return nil, newErrorf(CodeCDPError, "%s: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
	}
	return resp.Result, nil
}

func (c *Client) removePending(id uint64) {
	c.corrMu.Lock()
	delete(c.pending, id)
	c.corrMu.Unlock()
}

func (c *Client) closeAllPending() {
	c.corrMu.Lock()
	defer c.corrMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) pendingCount() int {
	c.corrMu.Lock()
	defer c.corrMu.Unlock()
	return len(c.pending)
}

// RecentEvents returns up to limit buffered events for a domain, or drains up
// to limit events from the catch-all queue when domain is empty.
func (c *Client) RecentEvents(domain Domain, limit int) []Event {
	if domain == "" {
		return c.events.Drain(limit)
	}
	return c.events.Recent(domain, limit)
}

// ClearEvents empties one domain buffer, or everything when domain is empty.
func (c *Client) ClearEvents(domain Domain) {
	if domain == "" {
		c.events.ClearAll()
		return
	}
	c.events.Clear(domain)
}

// OnEvent registers an observer for an exact CDP event method. Returns an
// unregister function.
func (c *Client) OnEvent(method string, fn func(Event)) func() {
	id := c.observerSeq.Add(1)
	c.observerMu.Lock()
	c.observers[method] = append(c.observers[method], eventObserver{id: id, fn: fn})
	c.observerMu.Unlock()
	return func() {
		c.observerMu.Lock()
		defer c.observerMu.Unlock()
		observers := c.observers[method]
		for i, o := range observers {
			if o.id == id {
				c.observers[method] = append(observers[:i], observers[i+1:]...)
				break
			}
		}
	}
}

// dispatchEvent invokes observers for the event's method, isolating each one
// so a faulty observer cannot stop delivery.
func (c *Client) dispatchEvent(ev Event) {
	c.observerMu.RLock()
	observers := make([]eventObserver, len(c.observers[ev.Method]))
	copy(observers, c.observers[ev.Method])
	c.observerMu.RUnlock()
	for _, o := range observers {
		invokeObserver(o, ev)
	}
}

func invokeObserver(o eventObserver, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event observer panicked", "method", ev.Method, "panic", fmt.Sprint(r))
		}
	}()
	o.fn(ev)
}
