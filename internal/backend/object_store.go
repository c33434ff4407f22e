package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// ObjectStore defines the interface for blob storage of photo files.
type ObjectStore interface {
	// Put uploads size bytes from body under key.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error

	// URL returns the address of key.
	URL(key string) string
}

// HashFile calculates the SHA-256 hex digest of a file.
func HashFile(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to calculate hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ContentKey returns the content-addressed object key for a photo:
// photos/{hash[0:2]}/{hash}{ext}. Retrying an upload of the same bytes
// writes the same object.
func ContentKey(hash, fileName string) string {
	ext := strings.ToLower(path.Ext(fileName))
	return fmt.Sprintf("photos/%s/%s%s", hash[0:2], hash, ext)
}
