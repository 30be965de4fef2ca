package netutil

import (
	"net"
	"testing"
)

// reserveAddr grabs a free loopback address, optionally keeping the listener
// open so the address reads as busy for the duration of the test.
func reserveAddr(t *testing.T, keepBusy bool) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	if keepBusy {
		t.Cleanup(func() { _ = ln.Close() })
	} else {
		_ = ln.Close()
	}
	return addr
}

func TestSelectBindAddrUsesPreferredWhenFree(t *testing.T) {
	addr := reserveAddr(t, false)

	got, err := SelectBindAddr(addr, nil)
	if err != nil {
		t.Fatalf("SelectBindAddr() error = %v", err)
	}
	if got != addr {
		t.Fatalf("SelectBindAddr() = %q, want preferred %q", got, addr)
	}
}

func TestSelectBindAddrFallsBackWhenBusy(t *testing.T) {
	busy := reserveAddr(t, true)
	free := reserveAddr(t, false)

	got, err := SelectBindAddr(busy, []string{busy, free})
	if err != nil {
		t.Fatalf("SelectBindAddr() error = %v", err)
	}
	if got != free {
		t.Fatalf("SelectBindAddr() = %q, want fallback %q", got, free)
	}
}

func TestSelectBindAddrBusyWithoutFallbacks(t *testing.T) {
	busy := reserveAddr(t, true)

	if got, err := SelectBindAddr(busy, nil); err == nil {
		t.Fatalf("SelectBindAddr() = %q, want error for busy address with no fallbacks", got)
	}
}

func TestSelectBindAddrAllCandidatesBusy(t *testing.T) {
	busy := reserveAddr(t, true)

	if got, err := SelectBindAddr(busy, []string{busy}); err == nil {
		t.Fatalf("SelectBindAddr() = %q, want error when every candidate is busy", got)
	}
}

func TestIsAddrAvailable(t *testing.T) {
	busy := reserveAddr(t, true)
	free := reserveAddr(t, false)

	if ok, err := IsAddrAvailable(busy); err != nil || ok {
		t.Fatalf("IsAddrAvailable(busy) = %v, %v; want false, nil", ok, err)
	}
	if ok, err := IsAddrAvailable(free); err != nil || !ok {
		t.Fatalf("IsAddrAvailable(free) = %v, %v; want true, nil", ok, err)
	}
}
