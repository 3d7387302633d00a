package docker

import (
	"fmt"
	"sort"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
)

// Label keys docker compose attaches to the containers it creates
const (
	LabelComposeProject    = "com.docker.compose.project"
	LabelComposeService    = "com.docker.compose.service"
	LabelComposeWorkingDir = "com.docker.compose.project.working_dir"
	LabelComposeOneOff     = "com.docker.compose.oneoff"
)

// ProjectFilter selects the containers compose created from the project in
// workingDir. Compose records the directory holding docker-compose.yml, which
// for na-tools is the instance directory itself.
func ProjectFilter(workingDir string) filters.Args {
	args := filters.NewArgs()
	args.Add("label", fmt.Sprintf("%s=%s", LabelComposeWorkingDir, workingDir))
	args.Add("label", fmt.Sprintf("%s=False", LabelComposeOneOff))
	return args
}

// ServiceName returns the compose service a container belongs to, falling
// back to its first name.
func ServiceName(c types.Container) string {
	if s := c.Labels[LabelComposeService]; s != "" {
		return s
	}
	if len(c.Names) > 0 {
		name := c.Names[0]
		if len(name) > 0 && name[0] == '/' {
			name = name[1:]
		}
		return name
	}
	return c.ID
}

// SortByService orders containers by service name.
func SortByService(containers []types.Container) {
	sort.SliceStable(containers, func(i, j int) bool {
		return ServiceName(containers[i]) < ServiceName(containers[j])
	})
}
