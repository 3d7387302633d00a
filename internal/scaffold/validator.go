package scaffold

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CheckExisting checks whether dir already holds a deployment (.env or
// docker-compose.yml). Returns an error naming what it found, nil otherwise.
func CheckExisting(dir string) error {
	var existingFiles []string

	for _, name := range []string{".env", ComposeFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			existingFiles = append(existingFiles, name)
		}
	}

	if len(existingFiles) == 0 {
		return nil
	}

	return fmt.Errorf("existing installation found in %s (%s)", dir, strings.Join(existingFiles, ", "))
}
