package instance

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"

	dockerpkg "github.com/nekroai/na-tools/internal/docker"
)

// EssentialServices are the compose services without which nekro_agent
// cannot serve requests. NapCat is optional and not listed.
var EssentialServices = []string{"nekro_agent", "nekro_postgres", "nekro_qdrant"}

// FindContainers returns every container compose created for the instance in
// dir, running or not, ordered by service name.
func FindContainers(ctx context.Context, eng dockerpkg.Engine, dir string) ([]types.Container, error) {
	containers, err := eng.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: dockerpkg.ProjectFilter(dir),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	dockerpkg.SortByService(containers)
	return containers, nil
}

// VerifyRunning checks that the essential services of the instance in dir
// are running.
func VerifyRunning(ctx context.Context, eng dockerpkg.Engine, dir string) error {
	containers, err := FindContainers(ctx, eng, dir)
	if err != nil {
		return err
	}

	if len(containers) == 0 {
		return fmt.Errorf("no containers found for %s", dir)
	}

	states := make(map[string]string, len(containers))
	for _, c := range containers {
		states[dockerpkg.ServiceName(c)] = c.State
	}

	for _, service := range EssentialServices {
		state, found := states[service]
		if !found {
			return fmt.Errorf("instance at %s is missing essential service '%s'", dir, service)
		}
		if state != "running" {
			return fmt.Errorf("instance at %s is not running (service '%s' is %s)", dir, service, state)
		}
	}

	return nil
}
