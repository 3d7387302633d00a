package instance

import (
	"fmt"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/go-connections/nat"

	dockerpkg "github.com/nekroai/na-tools/internal/docker"
)

// Status represents the health status of a Nekro Agent instance
type Status string

const (
	// StatusRunning indicates all containers are running
	StatusRunning Status = "Running"

	// StatusDegraded indicates some containers are stopped or missing
	StatusDegraded Status = "Degraded"

	// StatusStopped indicates all containers exist but are stopped
	StatusStopped Status = "Stopped"
)

// DetermineStatus analyzes a set of containers and determines the overall instance status.
func DetermineStatus(containers []types.Container) Status {
	if len(containers) == 0 {
		return StatusStopped
	}

	runningCount := 0
	for _, c := range containers {
		if c.State == "running" {
			runningCount++
		}
	}

	if runningCount == len(containers) {
		return StatusRunning
	} else if runningCount > 0 {
		return StatusDegraded
	} else {
		return StatusStopped
	}
}

// ServiceState is one compose service as reported by the Docker API.
type ServiceState struct {
	Service string   `json:"service"`
	Image   string   `json:"image"`
	State   string   `json:"state"`
	Status  string   `json:"status"`
	Ports   []string `json:"ports,omitempty"`
}

// Summary holds the status of every container of an instance.
type Summary struct {
	Status   Status         `json:"status"`
	Services []ServiceState `json:"services"`
}

// Summarize builds a Summary from the containers of one instance.
func Summarize(containers []types.Container) Summary {
	s := Summary{Status: DetermineStatus(containers)}
	for _, c := range containers {
		s.Services = append(s.Services, ServiceState{
			Service: dockerpkg.ServiceName(c),
			Image:   c.Image,
			State:   c.State,
			Status:  c.Status,
			Ports:   publishedPorts(c.Ports),
		})
	}
	return s
}

// publishedPorts renders host bindings as "8021->8021/tcp".
// Unpublished container ports are left out.
func publishedPorts(ports []types.Port) []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range ports {
		if p.PublicPort == 0 {
			continue
		}
		port, err := nat.NewPort(p.Type, strconv.Itoa(int(p.PrivatePort)))
		if err != nil {
			continue
		}
		binding := fmt.Sprintf("%d->%s", p.PublicPort, port)
		// IPv4 and IPv6 bindings of the same port are reported separately.
		if seen[binding] {
			continue
		}
		seen[binding] = true
		out = append(out, binding)
	}
	return out
}
