package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want error
	}{
		{name: "nil", err: nil, want: nil},
		{name: "plain error", err: errors.New("boom"), want: nil},
		{name: "direct sentinel", err: ErrNotFound, want: ErrNotFound},
		{name: "wrapped once", err: fmt.Errorf("resolve 9: %w", ErrNotFound), want: ErrNotFound},
		{name: "wrapped twice", err: fmt.Errorf("restore: %w", Corrupt("checksum mismatch")), want: ErrCorruptArchive},
		{name: "io failure helper", err: IOFailure("read x", errors.New("EIO")), want: ErrIOFailure},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Kind(tc.err))
		})
	}
}

func TestIsIntegrity(t *testing.T) {
	assert.True(t, IsIntegrity(Corrupt("bad")))
	assert.True(t, IsIntegrity(fmt.Errorf("x: %w", ErrIncompatibleFormat)))
	assert.False(t, IsIntegrity(IOFailure("read", errors.New("EIO"))))
}

func TestDescribe_EveryKindHasDistinctTitle(t *testing.T) {
	titles := make(map[string]error)
	for _, kind := range kinds {
		desc, ok := Describe(fmt.Errorf("context: %w", kind))
		assert.True(t, ok, "kind %v has no description", kind)
		assert.NotEmpty(t, desc.Title)
		assert.NotEmpty(t, desc.Suggestions)

		if other, exists := titles[desc.Title]; exists {
			t.Errorf("kinds %v and %v share title %q", other, kind, desc.Title)
		}
		titles[desc.Title] = kind
	}
}

func TestDescribe_UnknownError(t *testing.T) {
	_, ok := Describe(errors.New("something else"))
	assert.False(t, ok)
}
