// Package catalog lists the firmware releases available for this board by
// running an external helper that prints one pipe-delimited record per
// line: version|prerelease|board|url|date.
package catalog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

var ErrNoSuchVersion = errors.New("no such version")

type Release struct {
	Version    string `json:"version"`
	URL        string `json:"url"`
	Board      string `json:"board"`
	Prerelease bool   `json:"prerelease"`
	Date       string `json:"date"`
}

type Helper struct {
	Path        string
	Repo        string
	Username    string
	Password    string
	Board       string
	Prereleases bool
	Logger      *slog.Logger
}

// List runs the helper and returns the releases for h.Board, without
// prereleases unless h.Prereleases is set.
func (h *Helper) List(ctx context.Context) ([]Release, error) {
	cmd := exec.CommandContext(ctx, h.Path)
	cmd.Env = append(os.Environ(),
		"FW_REPO="+h.Repo,
		"FW_USERNAME="+h.Username,
		"FW_PASSWORD="+h.Password,
		"FW_BOARD="+h.Board,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("version catalog helper failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	releases, err := Parse(string(out), h.logger())
	if err != nil {
		return nil, err
	}
	return Filter(releases, h.Board, h.Prereleases), nil
}

// Find returns the release named version, or ErrNoSuchVersion.
func (h *Helper) Find(ctx context.Context, version string) (Release, error) {
	releases, err := h.List(ctx)
	if err != nil {
		return Release{}, err
	}
	r, ok := lo.Find(releases, func(r Release) bool { return r.Version == version })
	if !ok {
		return Release{}, fmt.Errorf("%s: %w", version, ErrNoSuchVersion)
	}
	return r, nil
}

func (h *Helper) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// Parse reads helper output. Blank lines are skipped; malformed lines are
// logged and skipped.
func Parse(out string, logger *slog.Logger) ([]Release, error) {
	var releases []Release
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 5 {
			logger.Debug("Skipping malformed catalog record", "line", line)
			continue
		}
		pre, err := strconv.ParseBool(strings.TrimSpace(fields[1]))
		if err != nil {
			logger.Debug("Skipping catalog record with invalid prerelease flag", "line", line)
			continue
		}
		releases = append(releases, Release{
			Version:    strings.TrimSpace(fields[0]),
			Prerelease: pre,
			Board:      strings.TrimSpace(fields[2]),
			URL:        strings.TrimSpace(fields[3]),
			Date:       strings.TrimSpace(fields[4]),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return releases, nil
}

func Filter(releases []Release, board string, prereleases bool) []Release {
	return lo.Filter(releases, func(r Release, _ int) bool {
		return r.Board == board && (prereleases || !r.Prerelease)
	})
}

func Versions(releases []Release) []string {
	return lo.Map(releases, func(r Release, _ int) string { return r.Version })
}
