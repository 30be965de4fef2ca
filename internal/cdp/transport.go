package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	maxReconnectAttempts = 5
	maxBackoff           = 30 * time.Second
	handshakeTimeout     = 10 * time.Second
	discoveryTimeout     = 5 * time.Second
)

// errReceiveTimeout marks a Receive that hit its deadline with no frame. The
// connection is still healthy; callers poll again.
var errReceiveTimeout = errors.New("receive timeout")

// errReconnectExhausted marks a Reconnect that hit the attempt ceiling.
var errReconnectExhausted = errors.New("reconnect attempts exhausted")

// TargetInfo describes one inspectable target from the browser's discovery
// endpoint.
type TargetInfo struct {
	TargetID             target.ID `json:"id"`
	Type                 string    `json:"type"`
	Title                string    `json:"title"`
	URL                  string    `json:"url"`
	WebSocketDebuggerURL string    `json:"webSocketDebuggerUrl"`
}

// Transport owns a single WebSocket session to one browser debugging target.
// It resolves the target's debugger URL, connects with a bounded handshake
// timeout, and reconnects with capped exponential backoff.
type Transport struct {
	host string
	port int

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	wsURL     string
	attempts  int
}

func NewTransport(host string, port int) *Transport {
	return &Transport{host: host, port: port}
}

func (t *Transport) httpBase() string {
	return fmt.Sprintf("http://%s:%d", t.host, t.port)
}

// listTargets fetches open targets via the browser's HTTP /json endpoint.
func (t *Transport) listTargets(ctx context.Context) ([]TargetInfo, error) {
	listCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(listCtx, http.MethodGet, t.httpBase()+"/json", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport: /json: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var entries []TargetInfo
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ResolveDebuggerURL picks a debuggable target: the first page-type entry that
// is not an internal devtools URL and carries a debugger URL, falling back to
// the first entry with a debugger URL. Discovery failures and an empty target
// list both report "no URL available" rather than an error.
func (t *Transport) ResolveDebuggerURL(ctx context.Context) (string, bool) {
	entries, err := t.listTargets(ctx)
	if err != nil {
		slog.Debug("transport discovery failed", "base", t.httpBase(), "error", err)
		return "", false
	}

	for _, e := range entries {
		if e.Type == "page" && !strings.HasPrefix(e.URL, "devtools://") && e.WebSocketDebuggerURL != "" {
			return e.WebSocketDebuggerURL, true
		}
	}
	for _, e := range entries {
		if e.WebSocketDebuggerURL != "" {
			return e.WebSocketDebuggerURL, true
		}
	}
	return "", false
}

// Connect resolves the debugger URL and dials it. Any failure leaves the
// transport fully disconnected; success resets the reconnect counter.
func (t *Transport) Connect(ctx context.Context) error {
	wsURL, ok := t.ResolveDebuggerURL(ctx)
	if !ok {
		return newErrorf(CodeCDPUnavailable, "no debuggable target at %s", t.httpBase())
	}

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	slog.Debug("transport connecting", "ws_url", wsURL)
	conn, _, _, err := ws.Dial(dialCtx, wsURL)
	if err != nil {
		return newError(CodeCDPUnavailable, "dial "+wsURL, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.wsURL = wsURL
	t.attempts = 0
	t.mu.Unlock()
	return nil
}

// backoffDelay returns min(2^attempts, 30) seconds.
func backoffDelay(attempts int) time.Duration {
	d := time.Second << uint(attempts)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Reconnect retries Connect after an exponential backoff, giving up once the
// attempt ceiling is reached.
func (t *Transport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	if t.attempts >= maxReconnectAttempts {
		t.mu.Unlock()
		return newError(CodeCDPUnavailable, fmt.Sprintf("gave up after %d attempts", maxReconnectAttempts), errReconnectExhausted)
	}
	delay := backoffDelay(t.attempts)
	t.attempts++
	attempt := t.attempts
	t.mu.Unlock()

	t.Disconnect()

	slog.Info("transport reconnecting", "attempt", attempt, "delay", delay)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	return t.Connect(ctx)
}

// Send writes one text frame. Fails fast when not connected; a write error
// flips the connected flag so later callers see the true state.
func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	if !t.connected || t.conn == nil {
		t.mu.Unlock()
		return newErrorf(CodeNotConnected, "transport not connected")
	}
	conn := t.conn
	err := wsutil.WriteClientText(conn, data)
	if err != nil {
		t.connected = false
	}
	t.mu.Unlock()

	if err != nil {
		return newError(CodeSendFailed, "write frame", err)
	}
	return nil
}

// readTracker counts bytes consumed so a deadline that fires mid-frame can
// be told apart from one that fired while the socket was idle. A partial
// frame leaves the stream misaligned, so the connection cannot be reused.
type readTracker struct {
	net.Conn
	n int
}

func (r *readTracker) Read(p []byte) (int, error) {
	n, err := r.Conn.Read(p)
	r.n += n
	return n, err
}

// Receive reads one text frame, waiting at most timeout. Returns
// errReceiveTimeout when the deadline passes with no bytes read; a deadline
// that interrupts a frame in flight marks the transport disconnected, as
// does any other read error.
func (t *Transport) Receive(timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	if !t.connected || t.conn == nil {
		t.mu.Unlock()
		return nil, newErrorf(CodeNotConnected, "transport not connected")
	}
	conn := t.conn
	t.mu.Unlock()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.markDisconnected()
		return nil, newError(CodeNotConnected, "set read deadline", err)
	}

	rt := &readTracker{Conn: conn}
	data, err := wsutil.ReadServerText(rt)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			if rt.n == 0 {
				return nil, errReceiveTimeout
			}
			t.markDisconnected()
			return nil, newError(CodeNotConnected, "read frame interrupted mid-frame", err)
		}
		t.markDisconnected()
		return nil, newError(CodeNotConnected, "read frame", err)
	}
	return data, nil
}

func (t *Transport) markDisconnected() {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
}

// Disconnect closes the socket best-effort and clears connection state.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.wsURL = ""
}

// IsConnected reports whether the underlying socket is open and usable.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}
