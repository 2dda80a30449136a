// Package originfetch downloads a fragment from an origin server named
// in a download command and lands it on disk under its final filename.
package originfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

var (
	// ErrMissingContentLength is returned when the origin's HEAD
	// response has no usable Content-Length header.
	ErrMissingContentLength = errors.New("origin response missing Content-Length")

	// ErrMissingFilename is returned when the origin's HEAD response has
	// no Content-Disposition filename.
	ErrMissingFilename = errors.New("origin response missing Content-Disposition filename")

	// ErrDownloadFailed wraps a non-2xx status from the origin's GET.
	ErrDownloadFailed = errors.New("origin download failed")
)

var filenamePattern = regexp.MustCompile(`filename="([^"]+)"`)

const (
	headerNodeID    = "Node-Id"
	headerNodeToken = "Node-Token"
)

// Fetch resolves the size and filename of the fragment at url via HEAD,
// then streams it to destDir/<filename> via GET, writing to a temp file
// and renaming into place so the destination path never becomes visible
// under its final name until the download is complete.
func Fetch(ctx context.Context, client *http.Client, url, nodeID, nodeToken, destDir string) (finalPath string, size int64, err error) {
	size, filename, err := Probe(ctx, client, url, nodeID, nodeToken)
	if err != nil {
		return "", 0, err
	}

	finalPath = filepath.Join(destDir, filename)
	if err := download(ctx, client, url, nodeID, nodeToken, finalPath); err != nil {
		return "", 0, err
	}

	return finalPath, size, nil
}

// Probe issues the HEAD request and extracts the size and filename the
// origin reports, without downloading the body. Callers that must pick
// a destination based on size before committing to a GET (the command
// handler's free-space check) use this directly; Fetch calls it too.
func Probe(ctx context.Context, client *http.Client, url, nodeID, nodeToken string) (size int64, filename string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, "", fmt.Errorf("build HEAD request: %w", err)
	}
	req.Header.Set(headerNodeID, nodeID)
	req.Header.Set(headerNodeToken, nodeToken)

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("HEAD %s: %w", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck // HEAD has no body to flush

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, "", fmt.Errorf("HEAD %s: status %d: %w", url, resp.StatusCode, ErrDownloadFailed)
	}

	size, err = parseContentLength(resp.Header.Get("Content-Length"))
	if err != nil {
		return 0, "", err
	}

	filename, err = parseFilename(resp.Header.Get("Content-Disposition"))
	if err != nil {
		return 0, "", err
	}

	return size, filename, nil
}

func parseContentLength(raw string) (int64, error) {
	if raw == "" {
		return 0, ErrMissingContentLength
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse Content-Length %q: %w", raw, ErrMissingContentLength)
	}
	return n, nil
}

func parseFilename(raw string) (string, error) {
	if raw == "" {
		return "", ErrMissingFilename
	}
	match := filenamePattern.FindStringSubmatch(raw)
	if len(match) != 2 || match[1] == "" {
		return "", ErrMissingFilename
	}
	return match[1], nil
}

// download GETs url and streams the body to finalPath via a temp file in
// the same directory, renamed into place on success.
func download(ctx context.Context, client *http.Client, url, nodeID, nodeToken, finalPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build GET request: %w", err)
	}
	req.Header.Set(headerNodeID, nodeID)
	req.Header.Set(headerNodeToken, nodeToken)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck // reading to completion below

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("GET %s: status %d: %w", url, resp.StatusCode, ErrDownloadFailed)
	}

	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dest dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".origin-fetch-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // best-effort cleanup if rename fails

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close() //nolint:errcheck,gosec // already failing; report the copy error
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
