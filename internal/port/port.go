// Package port checks whether the sidecar's loopback port is free.
package port

import (
	"fmt"
	"net"
	"strconv"
)

// Available reports whether port can be bound on 127.0.0.1.
func Available(port int) bool {
	ln, err := net.Listen("tcp", Addr(port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// Addr returns the loopback address for port.
func Addr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// Validate checks that port is a usable TCP port number.
func Validate(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", port)
	}
	return nil
}
