package client

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
)

var (
	// ErrPrivateAddress is returned when deny_private_networks blocks a dial.
	ErrPrivateAddress = errors.New("upstream address is in a private or local network")
	// ErrHostNotAllowed is returned when allowed_hosts rejects a target or
	// a redirect hop.
	ErrHostNotAllowed = errors.New("target host is not allowed")
	// ErrBuildRequest is returned when the outbound request cannot be constructed.
	ErrBuildRequest = errors.New("build upstream request")
)

// denyPrivate is a net.Dialer Control hook. It runs after name resolution,
// so it sees the address actually being dialed.
func denyPrivate(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("split dial address: %w", err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("parse dial address: %w", err)
	}
	if isPrivate(addr) {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, addr)
	}
	return nil
}

func isPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified()
}
