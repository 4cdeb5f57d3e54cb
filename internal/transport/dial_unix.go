//go:build !windows

package transport

import (
	"net"
	"time"
)

func dial(endpoint string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", endpoint, timeout)
}
