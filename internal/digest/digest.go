// Package digest fingerprints served documents, build output and compiled
// artifacts with BLAKE3.
package digest

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// Sum computes a BLAKE3 hash of the given data.
func Sum(data []byte) []byte {
	h := blake3.New()
	h.Write(data)
	return h.Sum(nil)
}

// SumString hashes s and returns the hex encoding.
func SumString(s string) string {
	return hex.EncodeToString(Sum([]byte(s)))
}

// SumFile computes a BLAKE3 hash of a file.
func SumFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// SumTree fingerprints the files under paths, which may be files or
// directories. Each file contributes its slash-separated path relative to
// the path it was found under and its content hash, in walk order. Paths
// that do not exist are skipped.
func SumTree(paths ...string) (string, error) {
	h := blake3.New()
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == root && os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			sum, err := SumFile(path)
			if err != nil {
				return fmt.Errorf("hash %s: %w", path, err)
			}
			rel, _ := filepath.Rel(root, path)
			h.Write([]byte(filepath.ToSlash(rel)))
			h.Write([]byte{0})
			h.Write(sum)
			return nil
		})
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ETag returns a strong HTTP entity tag for data.
// Only the first 16 bytes of the hash are used; collisions within one
// dev session are not a concern.
func ETag(data []byte) string {
	sum := Sum(data)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}
