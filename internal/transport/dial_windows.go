package transport

import (
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

func dial(endpoint string, timeout time.Duration) (net.Conn, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return winio.DialPipe(endpoint, &timeout)
}
