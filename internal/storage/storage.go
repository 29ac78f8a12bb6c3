// Package storage publishes finished result directories to durable storage.
package storage

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
)

// Uploader publishes the contents of localPath under remotePrefix. A
// successful upload replaces whatever was stored under the prefix before.
type Uploader interface {
	UploadDirectory(ctx context.Context, localPath, remotePrefix string) error
}

// UploadError represents a failed upload of a result directory
type UploadError struct {
	Prefix string
	Cause  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload to %q failed: %v", e.Prefix, e.Cause)
}

func (e *UploadError) Unwrap() error {
	return e.Cause
}

// localFile is a regular file found below an upload root
type localFile struct {
	Path string
	// Rel is the slash separated path relative to the root.
	Rel string
}

// listFiles returns the regular files below root. Symlinks and other special
// files are skipped.
func listFiles(root string) ([]localFile, error) {
	var files []localFile
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, localFile{Path: p, Rel: filepath.ToSlash(rel)})
		return nil
	})
	return files, err
}

// objectName joins a prefix and a relative path into a storage key.
func objectName(prefix, rel string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return rel
	}
	return path.Join(prefix, rel)
}
