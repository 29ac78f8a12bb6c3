package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalUploader publishes result directories below a root directory on the
// local filesystem, for single host setups and development.
type LocalUploader struct {
	Root string
}

// UploadDirectory copies localPath to Root/remotePrefix. The copy is staged
// next to the destination and swapped in, so readers see either the old or
// the new tree.
func (u *LocalUploader) UploadDirectory(ctx context.Context, localPath, remotePrefix string) error {
	rel := filepath.FromSlash(strings.Trim(remotePrefix, "/"))
	if rel == "" || rel == "." || strings.HasPrefix(rel, "..") {
		return &UploadError{Prefix: remotePrefix, Cause: fmt.Errorf("invalid prefix")}
	}
	dest := filepath.Join(u.Root, rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return &UploadError{Prefix: remotePrefix, Cause: err}
	}

	staging, err := os.MkdirTemp(filepath.Dir(dest), "."+filepath.Base(dest)+"-*")
	if err != nil {
		return &UploadError{Prefix: remotePrefix, Cause: err}
	}
	defer os.RemoveAll(staging)

	files, err := listFiles(localPath)
	if err != nil {
		return &UploadError{Prefix: remotePrefix, Cause: err}
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return &UploadError{Prefix: remotePrefix, Cause: err}
		}
		if err := copyFile(f.Path, filepath.Join(staging, filepath.FromSlash(f.Rel))); err != nil {
			return &UploadError{Prefix: remotePrefix, Cause: err}
		}
	}

	old := staging + ".old"
	if err := os.Rename(dest, old); err != nil && !os.IsNotExist(err) {
		return &UploadError{Prefix: remotePrefix, Cause: err}
	}
	if err := os.Rename(staging, dest); err != nil {
		_ = os.Rename(old, dest)
		return &UploadError{Prefix: remotePrefix, Cause: err}
	}
	_ = os.RemoveAll(old)
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
