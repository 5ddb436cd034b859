package utils

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/sudorandom/world-grid/pkg/logging"
)

var ErrNotFound = errors.New("file not found on server")

type progressWriter struct {
	io.Writer
	total uint64
	last  uint64
	label string
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.Writer.Write(p)
	pw.total += uint64(n)
	if pw.total-pw.last > 5*1024*1024 { // Log every 5MB
		logging.Info().Str("file", pw.label).Uint64("mb", pw.total/1024/1024).Msg("download progress")
		pw.last = pw.total
	}
	return n, err
}

// DownloadFile downloads a file from a URL to a local path safely.
func DownloadFile(url, path string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logging.Warn().Err(err).Msg("error closing response body")
		}
	}()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	// Create a temp file in the same directory to ensure atomic move
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	defer func() {
		if err := os.Remove(tmpName); err != nil && !os.IsNotExist(err) {
			logging.Warn().Err(err).Str("path", tmpName).Msg("error removing temp file")
		}
	}()

	pw := &progressWriter{Writer: tmpFile, label: filepath.Base(path)}
	if _, err := io.Copy(pw, resp.Body); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// GetCacheFileName returns the local file name for url, prefixed with a sanitized label so
// two sources serving the same base name do not collide.
func GetCacheFileName(url, label string) string {
	urlParts := strings.Split(url, "/")
	fileName := urlParts[len(urlParts)-1]
	if i := strings.IndexAny(fileName, "?#"); i >= 0 {
		fileName = fileName[:i]
	}

	sanitized := strings.Trim(label, "[]")
	sanitized = strings.ReplaceAll(sanitized, " ", "_")
	if sanitized != "" {
		fileName = sanitized + "_" + fileName
	}
	return fileName
}

// CachedFile makes sure url is present in cacheDir and returns its local path.
// The file is downloaded only when it is not cached yet.
func CachedFile(url, cacheDir, label string) (string, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache dir: %w", err)
	}
	localPath := filepath.Join(cacheDir, GetCacheFileName(url, label))
	if _, err := os.Stat(localPath); os.IsNotExist(err) {
		logging.Info().Str("source", label).Str("url", url).Msg("downloading")
		if err := DownloadFile(url, localPath); err != nil {
			return "", err
		}
	} else {
		logging.Info().Str("source", label).Str("path", localPath).Msg("using cached file")
	}
	return localPath, nil
}

// GetCachedReader returns a reader for url, going through cacheDir when useCache is set.
func GetCachedReader(url, cacheDir string, useCache bool, label string) (io.ReadCloser, error) {
	if useCache {
		localPath, err := CachedFile(url, cacheDir, label)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(localPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open cache: %w", err)
		}
		return f, nil
	}

	logging.Info().Str("source", label).Str("url", url).Msg("streaming")
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		if err := resp.Body.Close(); err != nil {
			logging.Warn().Err(err).Msg("error closing response body")
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("bad status: %s", resp.Status)
	}
	return resp.Body, nil
}
