package instance

import (
	"fmt"
	"os"
)

// Host returns the hostname published ports are reachable on. Inside a
// container (Docker-in-Docker) that is the host gateway.
func Host() string {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return "host.docker.internal"
	}
	return "127.0.0.1"
}

// WebURL returns the address of the web UI published on port.
func WebURL(port string) string {
	return fmt.Sprintf("http://%s:%s", Host(), port)
}
