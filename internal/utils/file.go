package utils

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// ErrTooLarge is returned when an upload exceeds its size limit
var ErrTooLarge = errors.New("upload too large")

var videoExts = []string{"mp4", "avi", "mov", "mkv", "webm", "mjpeg", "mjpg"}

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

// GetFileExtension returns the file extension without the dot
func GetFileExtension(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 0 {
		return strings.ToLower(ext[1:])
	}
	return ""
}

// IsVideoFile checks if a file has a video extension
func IsVideoFile(filename string) bool {
	return slices.Contains(videoExts, GetFileExtension(filename))
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// SanitizeFilename removes or replaces invalid characters in filenames
func SanitizeFilename(filename string) string {
	invalid := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"}
	result := filename

	for _, char := range invalid {
		result = strings.ReplaceAll(result, char, "_")
	}

	// Remove leading/trailing spaces and dots
	return strings.Trim(result, " .")
}

// SaveUpload copies r into a new uniquely named file under dir, keeping the
// sanitized original name as a suffix. At most limit bytes are accepted.
func SaveUpload(dir, name string, r io.Reader, limit int64) (string, int64, error) {
	if err := EnsureDir(dir); err != nil {
		return "", 0, fmt.Errorf("failed to create upload directory: %w", err)
	}

	base := SanitizeFilename(filepath.Base(name))
	if base == "" {
		base = "upload"
	}
	path := filepath.Join(dir, uuid.NewString()+"_"+base)

	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create upload file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(r, limit+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > limit {
		err = fmt.Errorf("%w: more than %s", ErrTooLarge, FormatFileSize(limit))
	}
	if err != nil {
		os.Remove(path)
		return "", 0, err
	}
	return path, n, nil
}

// FormatFileSize formats file size in human-readable format
func FormatFileSize(size int64) string {
	if size < 0 {
		size = 0
	}
	return humanize.IBytes(uint64(size))
}
