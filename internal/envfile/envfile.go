// Package envfile reads and edits the .env file docker compose loads with
// --env-file. Edits keep comments, blank lines and key order; new keys are
// appended in the order they are set.
package envfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/nekroai/na-tools/internal/atomicfile"
)

// line is one line of the file. key is empty for comments, blank lines and
// lines without '='.
type line struct {
	raw string
	key string
}

// File is a parsed .env file.
type File struct {
	lines  []line
	values map[string]string
	set    map[string]string
	added  []string
}

// Parse parses .env content. Later assignments of a key win, as in compose.
func Parse(data []byte) *File {
	f := &File{values: make(map[string]string), set: make(map[string]string)}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		raw := scanner.Text()
		key, value, ok := parseLine(raw)
		if !ok {
			f.lines = append(f.lines, line{raw: raw})
			continue
		}
		f.lines = append(f.lines, line{raw: raw, key: key})
		f.values[key] = value
	}
	return f
}

// Load reads the .env file at path. A missing file yields an empty File.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Parse(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Parse(data), nil
}

func parseLine(raw string) (key, value string, ok bool) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.HasPrefix(s, "#") {
		return "", "", false
	}
	s = strings.TrimPrefix(s, "export ")
	key, value, found := strings.Cut(s, "=")
	if !found {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false
	}
	return key, unquote(strings.TrimSpace(value)), true
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// Get returns the value of key, or "" when unset.
func (f *File) Get(key string) string {
	return f.values[key]
}

// Lookup returns the value of key and whether the file assigns it.
func (f *File) Lookup(key string) (string, bool) {
	v, ok := f.values[key]
	return v, ok
}

// Set assigns key. Existing lines for key are rewritten in place.
func (f *File) Set(key, value string) {
	if _, exists := f.values[key]; !exists {
		if _, pending := f.set[key]; !pending {
			f.added = append(f.added, key)
		}
	}
	f.values[key] = value
	f.set[key] = value
}

// SetDefault assigns key only when it is missing or empty, and reports
// whether it did.
func (f *File) SetDefault(key, value string) bool {
	if f.values[key] != "" {
		return false
	}
	f.Set(key, value)
	return true
}

// Keys returns the assigned keys in file order, then newly added keys.
func (f *File) Keys() []string {
	seen := make(map[string]bool, len(f.values))
	var keys []string
	for _, l := range f.lines {
		if l.key != "" && !seen[l.key] {
			seen[l.key] = true
			keys = append(keys, l.key)
		}
	}
	for _, k := range f.added {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

// Map returns a copy of all assignments.
func (f *File) Map() map[string]string {
	m := make(map[string]string, len(f.values))
	for k, v := range f.values {
		m[k] = v
	}
	return m
}

// Bytes renders the file with every Set applied.
func (f *File) Bytes() []byte {
	var buf bytes.Buffer
	written := make(map[string]bool)
	for _, l := range f.lines {
		v, changed := f.set[l.key]
		if l.key == "" || !changed {
			buf.WriteString(l.raw)
			buf.WriteByte('\n')
			continue
		}
		// A key assigned twice collapses onto its first line.
		if written[l.key] {
			continue
		}
		written[l.key] = true
		fmt.Fprintf(&buf, "%s=%s\n", l.key, v)
	}
	for _, k := range f.added {
		if written[k] {
			continue
		}
		written[k] = true
		fmt.Fprintf(&buf, "%s=%s\n", k, f.set[k])
	}
	return buf.Bytes()
}

// Save writes the file atomically. A new file is created owner-only since
// it holds credentials; an existing file keeps its mode.
func (f *File) Save(path string) error {
	if err := atomicfile.WriteKeepMode(path, f.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
