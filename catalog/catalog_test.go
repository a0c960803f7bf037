package catalog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

const sample = `v2.1|false|raspberrypi|https://example.com/v2.1/fw-raspberrypi.img.xz|2024-01-10
v2.2|true|raspberrypi|https://example.com/v2.2/fw-raspberrypi.img.xz|2024-02-10

v2.2|false|odroidc1|https://example.com/v2.2/fw-odroidc1.img.xz|2024-02-10
garbage line
v2.3|maybe|raspberrypi|https://example.com/v2.3/fw.img.xz|2024-03-10
`

func TestParseAndFilter(t *testing.T) {
	releases, err := Parse(sample, discard)
	require.NoError(t, err)
	require.Len(t, releases, 3)
	assert.Equal(t, Release{
		Version:    "v2.1",
		URL:        "https://example.com/v2.1/fw-raspberrypi.img.xz",
		Board:      "raspberrypi",
		Prerelease: false,
		Date:       "2024-01-10",
	}, releases[0])

	assert.Equal(t, []string{"v2.1"}, Versions(Filter(releases, "raspberrypi", false)))
	assert.Equal(t, []string{"v2.1", "v2.2"}, Versions(Filter(releases, "raspberrypi", true)))
	assert.Equal(t, []string{"v2.2"}, Versions(Filter(releases, "odroidc1", false)))
	assert.Empty(t, Filter(releases, "unknown", true))
}

func writeHelper(t *testing.T, script string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "list-versions")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+script), 0o755))
	return p
}

func TestHelperPassesEnvironment(t *testing.T) {
	h := &Helper{
		Path:     writeHelper(t, `echo "v1|false|$FW_BOARD|$FW_REPO/$FW_USERNAME|2024-01-01"`),
		Repo:     "https://repo",
		Username: "ci",
		Board:    "raspberrypi",
		Logger:   discard,
	}

	r, err := h.Find(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, "https://repo/ci", r.URL)
}

func TestFindMissingVersion(t *testing.T) {
	h := &Helper{
		Path:   writeHelper(t, "cat <<'EOF'\n"+sample+"EOF\n"),
		Board:  "raspberrypi",
		Logger: discard,
	}

	_, err := h.Find(context.Background(), "v2.3")
	assert.ErrorIs(t, err, ErrNoSuchVersion)

	// prereleases are hidden unless enabled
	_, err = h.Find(context.Background(), "v2.2")
	assert.ErrorIs(t, err, ErrNoSuchVersion)

	h.Prereleases = true
	r, err := h.Find(context.Background(), "v2.2")
	require.NoError(t, err)
	assert.True(t, r.Prerelease)
}

func TestHelperFailure(t *testing.T) {
	h := &Helper{Path: writeHelper(t, "echo 'repo unreachable' >&2; exit 1"), Logger: discard}
	_, err := h.List(context.Background())
	assert.ErrorContains(t, err, "repo unreachable")
}
