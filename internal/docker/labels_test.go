package docker

import (
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/stretchr/testify/assert"
)

func TestProjectFilter(t *testing.T) {
	args := ProjectFilter("/srv/nekro_agent")

	labels := args.Get("label")
	assert.Contains(t, labels, LabelComposeWorkingDir+"=/srv/nekro_agent")
	assert.Contains(t, labels, LabelComposeOneOff+"=False")
	assert.Len(t, labels, 2)
}

func TestServiceName(t *testing.T) {
	testCases := []struct {
		name      string
		container types.Container
		expected  string
	}{
		{
			name: "compose service label",
			container: types.Container{
				ID:     "abc",
				Names:  []string{"/nekro_agent-nekro_agent-1"},
				Labels: map[string]string{LabelComposeService: "nekro_agent"},
			},
			expected: "nekro_agent",
		},
		{
			name:      "falls back to container name",
			container: types.Container{ID: "abc", Names: []string{"/nekro_postgres"}},
			expected:  "nekro_postgres",
		},
		{
			name:      "falls back to id",
			container: types.Container{ID: "abc"},
			expected:  "abc",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ServiceName(tc.container))
		})
	}
}

func TestSortByService(t *testing.T) {
	containers := []types.Container{
		{ID: "3", Labels: map[string]string{LabelComposeService: "nekro_qdrant"}},
		{ID: "1", Labels: map[string]string{LabelComposeService: "nekro_agent"}},
		{ID: "2", Labels: map[string]string{LabelComposeService: "nekro_postgres"}},
	}

	SortByService(containers)

	assert.Equal(t, "1", containers[0].ID)
	assert.Equal(t, "2", containers[1].ID)
	assert.Equal(t, "3", containers[2].ID)
}
