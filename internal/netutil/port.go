package netutil

import (
	"fmt"
	"net"
)

// SelectBindAddr returns a listenable address for the bridge's HTTP surface:
// the preferred address when free, otherwise the first free entry of
// fallbacks. With no fallbacks configured, a busy preferred address is an
// error rather than a silent port change.
func SelectBindAddr(preferred string, fallbacks []string) (string, error) {
	if preferred != "" {
		ok, err := IsAddrAvailable(preferred)
		if err != nil {
			return "", err
		}
		if ok {
			return preferred, nil
		}
		if len(fallbacks) == 0 {
			return "", fmt.Errorf("bind address in use and no fallbacks configured: %s", preferred)
		}
	}

	for _, addr := range fallbacks {
		ok, err := IsAddrAvailable(addr)
		if err != nil {
			return "", err
		}
		if ok {
			return addr, nil
		}
	}

	return "", fmt.Errorf("bind address %s and all %d fallbacks are in use", preferred, len(fallbacks))
}

// IsAddrAvailable returns true when an address can be listened on.
func IsAddrAvailable(addr string) (bool, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false, nil
	}
	if closeErr := ln.Close(); closeErr != nil {
		return false, closeErr
	}
	return true, nil
}
