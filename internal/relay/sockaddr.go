package relay

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// resolveSockaddr turns a "host:port" string into a raw IPv4 sockaddr for
// unix.Bind. net.ResolveTCPAddr is used only for parsing and DNS lookup;
// the actual socket is a raw nonblocking fd, not a net.Listener, so the
// single-threaded epoll loop owns every read and write itself (spec.md §5).
func resolveSockaddr(addr string) (unix.Sockaddr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("relay: resolve %q: %w", addr, err)
	}
	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	ip := tcpAddr.IP.To4()
	if ip == nil {
		ip = net.IPv4zero.To4()
	}
	copy(sa.Addr[:], ip)
	return sa, nil
}
