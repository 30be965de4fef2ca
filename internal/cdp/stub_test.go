package cdp

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// commandFrame is one decoded client->server command.
type commandFrame struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// stubBrowser fakes a browser debugging endpoint: an HTTP /json discovery
// list plus a WebSocket target that answers CDP commands via handle. A nil
// response from handle suppresses the reply.
type stubBrowser struct {
	t      *testing.T
	srv    *httptest.Server
	handle func(conn net.Conn, cmd commandFrame) []byte

	mu    sync.Mutex
	conns []net.Conn
}

func okResult(id uint64) []byte {
	return []byte(fmt.Sprintf(`{"id":%d,"result":{}}`, id))
}

// defaultHandle acknowledges every command with an empty result.
func defaultHandle(_ net.Conn, cmd commandFrame) []byte {
	return okResult(cmd.ID)
}

func newStubBrowser(t *testing.T, handle func(conn net.Conn, cmd commandFrame) []byte) *stubBrowser {
	t.Helper()
	if handle == nil {
		handle = defaultHandle
	}
	sb := &stubBrowser{t: t, handle: handle}

	mux := http.NewServeMux()
	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws://" + sb.srv.Listener.Addr().String() + "/devtools/page/stub"
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `[{"id":"stub","type":"page","title":"stub","url":"http://stub.test/","webSocketDebuggerUrl":%q}]`, wsURL)
	})
	mux.HandleFunc("/devtools/page/stub", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			t.Errorf("ws upgrade: %v", err)
			return
		}
		sb.mu.Lock()
		sb.conns = append(sb.conns, conn)
		sb.mu.Unlock()
		go sb.serve(conn)
	})

	sb.srv = httptest.NewServer(mux)
	t.Cleanup(sb.close)
	return sb
}

func (sb *stubBrowser) serve(conn net.Conn) {
	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var cmd commandFrame
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		if resp := sb.handle(conn, cmd); resp != nil {
			if err := wsutil.WriteServerText(conn, resp); err != nil {
				return
			}
		}
	}
}

// push writes an unsolicited event frame on every active connection.
func (sb *stubBrowser) push(frame []byte) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	for _, conn := range sb.conns {
		if err := wsutil.WriteServerText(conn, frame); err != nil {
			sb.t.Logf("stub push failed: %v", err)
		}
	}
}

// dropConnections severs every active WebSocket from the server side while
// leaving the discovery endpoint up, so clients can dial back in.
func (sb *stubBrowser) dropConnections() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	for _, conn := range sb.conns {
		_ = conn.Close()
	}
	sb.conns = nil
}

func (sb *stubBrowser) close() {
	sb.mu.Lock()
	for _, conn := range sb.conns {
		_ = conn.Close()
	}
	sb.conns = nil
	sb.mu.Unlock()
	sb.srv.Close()
}

// hostPort splits the stub's listener address.
func (sb *stubBrowser) hostPort() (string, int) {
	return hostPortOf(sb.t, sb.srv.URL)
}

func hostPortOf(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url %q: %v", rawURL, err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse port of %q: %v", rawURL, err)
	}
	return u.Hostname(), port
}

// freePort returns a TCP port that nothing is listening on.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}
