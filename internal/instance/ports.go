package instance

import (
	"fmt"
	"net"
)

// PortAvailable reports whether port can be bound on all interfaces, which is
// where compose publishes the web UI and NapCat ports.
func PortAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}
