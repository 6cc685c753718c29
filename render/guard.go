package render

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"syscall"
	"time"
)

// ErrPrivateAddress means a fetch, redirect or browser navigation would
// reach a loopback, private or link-local address.
var ErrPrivateAddress = errors.New("render: private address")

const maxRedirects = 10

// IsPrivateAddr reports addresses a public scan must never connect to.
func IsPrivateAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsMulticast() || addr.IsUnspecified()
}

// IsPrivateHost reports local host names and private IP literals. Names
// that need DNS are checked when they are dialled.
func IsPrivateHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".internal") {
		return true
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return IsPrivateAddr(addr)
}

// dialControl runs after DNS resolution, so address is always an IP and
// every redirect hop is covered.
func dialControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, address)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: unresolved %s", ErrPrivateAddress, host)
	}
	if IsPrivateAddr(addr) {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, addr)
	}
	return nil
}

func checkRedirect(allowPrivate bool) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
			return fmt.Errorf("redirect to unsupported scheme %q", req.URL.Scheme)
		}
		if !allowPrivate && IsPrivateHost(req.URL.Hostname()) {
			return fmt.Errorf("%w: redirect to %s", ErrPrivateAddress, req.URL.Hostname())
		}
		return nil
	}
}

// resolvesPrivate reports whether host is, or resolves to, a private
// address. Lookup failures are left to the browser to report.
func resolvesPrivate(ctx context.Context, host string) bool {
	if IsPrivateHost(host) {
		return true
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if IsPrivateAddr(a) {
			return true
		}
	}
	return false
}
