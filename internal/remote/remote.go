// Package remote copies backup archives to and from Google Cloud Storage.
// Locations are written as gs://bucket/path.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/nekroai/na-tools/internal/atomicfile"
)

// Scheme prefixes remote locations.
const Scheme = "gs://"

// ErrObjectNotFound is returned when the remote object does not exist.
var ErrObjectNotFound = errors.New("remote object not found")

// Location is a bucket and object name. An object ending in "/" (or empty)
// is a prefix; uploads append the local file name to it.
type Location struct {
	Bucket string
	Object string
}

func (l Location) String() string {
	return Scheme + l.Bucket + "/" + l.Object
}

// IsPrefix reports whether the location names a directory-like prefix.
func (l Location) IsPrefix() bool {
	return l.Object == "" || strings.HasSuffix(l.Object, "/")
}

// IsRemote reports whether s is a gs:// location.
func IsRemote(s string) bool {
	return strings.HasPrefix(s, Scheme)
}

// Parse parses gs://bucket[/object].
func Parse(s string) (Location, error) {
	if !IsRemote(s) {
		return Location{}, fmt.Errorf("%q is not a %s location", s, Scheme)
	}
	rest := strings.TrimPrefix(s, Scheme)
	bucket, object, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, fmt.Errorf("%q has no bucket", s)
	}
	if strings.Contains(object, "..") {
		return Location{}, fmt.Errorf("%q: object name must not contain '..'", s)
	}
	return Location{Bucket: bucket, Object: object}, nil
}

// store is the part of the storage client used here.
type store interface {
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	Close() error
}

type gcsStore struct {
	client *storage.Client
}

func (g gcsStore) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	w := g.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	return w
}

func (g gcsStore) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	r, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrObjectNotFound
	}
	return r, err
}

func (g gcsStore) Close() error { return g.client.Close() }

// Client uploads and downloads archives.
type Client struct {
	store store
}

// NewClient connects to Cloud Storage. credentialsFile is a service account
// key; when empty, application default credentials are used.
func NewClient(ctx context.Context, credentialsFile string) (*Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	c, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &Client{store: gcsStore{client: c}}, nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	return c.store.Close()
}

// Upload copies the local file to loc and returns the object written.
func (c *Client) Upload(ctx context.Context, localPath string, loc Location) (Location, error) {
	if loc.IsPrefix() {
		loc.Object += filepath.Base(localPath)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return Location{}, fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	w := c.store.NewWriter(ctx, loc.Bucket, loc.Object)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return Location{}, fmt.Errorf("failed to upload %s to %s: %w", localPath, loc, err)
	}
	// The object is only committed on Close.
	if err := w.Close(); err != nil {
		return Location{}, fmt.Errorf("failed to upload %s to %s: %w", localPath, loc, err)
	}
	return loc, nil
}

// Download copies loc into dir and returns the local path. The file appears
// under its final name only once complete.
func (c *Client) Download(ctx context.Context, loc Location, dir string) (string, error) {
	if loc.IsPrefix() {
		return "", fmt.Errorf("%s names a prefix, not an archive", loc)
	}

	r, err := c.store.NewReader(ctx, loc.Bucket, loc.Object)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", loc, err)
	}
	defer r.Close()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	dest := filepath.Join(dir, path.Base(loc.Object))

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to download %s: %w", loc, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("failed to move download into place: %w", err)
	}
	if err := atomicfile.SyncDir(dir); err != nil {
		return "", err
	}
	return dest, nil
}
