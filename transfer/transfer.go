// Package transfer implements the bodies of the supervised jobs: fetching
// the firmware, decompressing it and writing a raw byte range to a device.
// Each runs inside a detached process whose stderr is the job log.
//
// Outputs are written to <dst>.part and renamed into place only on success,
// so the presence of dst always means a complete artifact.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/tez-capital/fwupdate/workspace"
	"github.com/ulikunitz/xz"
)

type Credentials struct {
	Username string
	Password string
}

// IsURL reports whether src should be fetched over the network.
func IsURL(src string) bool {
	return strings.Contains(src, "://")
}

// Fetch downloads src (an http/https URL) or copies it (a local path) to dst.
func Fetch(ctx context.Context, src, dst string, creds Credentials, logger *slog.Logger) error {
	if !IsURL(src) {
		in, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", src, err)
		}
		defer in.Close()

		var total int64
		if st, err := in.Stat(); err == nil {
			total = st.Size()
		}
		logger.Info("Copying firmware", "source", src, "destination", dst)
		return writeAtomically(dst, func(w io.Writer) error {
			_, err := io.Copy(newProgressWriter(w, total, logger), &ctxReader{ctx: ctx, r: in})
			return err
		})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("invalid url %s: %w", src, err)
	}
	if creds.Username != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	logger.Info("Downloading firmware", "url", src, "destination", dst)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", src, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: unexpected HTTP status %s", src, resp.Status)
	}

	return writeAtomically(dst, func(w io.Writer) error {
		_, err := io.Copy(newProgressWriter(w, resp.ContentLength, logger), resp.Body)
		return err
	})
}

// Decompress expands src into dst with the given codec.
func Decompress(ctx context.Context, c workspace.Compression, src, dst string, logger *slog.Logger) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open compressed image %s: %w", src, err)
	}
	defer in.Close()

	var r io.Reader
	switch c {
	case workspace.Gzip:
		gz, err := gzip.NewReader(in)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	case workspace.XZ:
		xr, err := xz.NewReader(in)
		if err != nil {
			return fmt.Errorf("failed to create xz reader: %w", err)
		}
		r = xr
	default:
		return fmt.Errorf("unsupported compression %q", c)
	}

	logger.Info("Decompressing firmware", "source", src, "destination", dst, "compression", string(c))
	return writeAtomically(dst, func(w io.Writer) error {
		_, err := io.Copy(newProgressWriter(w, 0, logger), &ctxReader{ctx: ctx, r: r})
		return err
	})
}

// WriteRange copies size bytes starting at offset in image onto device.
func WriteRange(ctx context.Context, image, device string, offset, size int64, logger *slog.Logger) error {
	in, err := os.Open(image)
	if err != nil {
		return fmt.Errorf("failed to open image %s: %w", image, err)
	}
	defer in.Close()

	out, err := os.OpenFile(device, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open device %s: %w", device, err)
	}
	defer out.Close()

	logger.Info("Writing partition", "image", image, "device", device, "offset", offset, "size", size)
	src := &ctxReader{ctx: ctx, r: io.NewSectionReader(in, offset, size)}
	n, err := io.Copy(newProgressWriter(out, size, logger), src)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", device, err)
	}
	if n != size {
		return fmt.Errorf("short write to %s: %d of %d bytes, image truncated?", device, n, size)
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", device, err)
	}
	return nil
}

func writeAtomically(dst string, fill func(w io.Writer) error) error {
	tmp := dst + workspace.PartialSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := fill(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := errors.Join(f.Sync(), f.Close()); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
