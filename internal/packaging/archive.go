package packaging

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ArchiveError represents a failure to produce the result archive
type ArchiveError struct {
	Dest  string
	Cause error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("archive %s: %v", e.Dest, e.Cause)
}

func (e *ArchiveError) Unwrap() error {
	return e.Cause
}

// Archive writes a gzipped tarball of srcDir to dest. dest may live inside
// srcDir; it is excluded from the tarball along with its temporary file. The
// archive is written to dest+".tmp" and renamed, so dest is never left half
// written and a previous archive is replaced atomically.
func Archive(srcDir, dest string) error {
	tmp := dest + ".tmp"
	if err := writeArchive(srcDir, tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return &ArchiveError{Dest: dest, Cause: err}
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return &ArchiveError{Dest: dest, Cause: err}
	}
	return nil
}

func writeArchive(srcDir, tmp, dest string) error {
	srcAbs, err := filepath.Abs(srcDir)
	if err != nil {
		return err
	}
	skip := map[string]bool{}
	for _, p := range []string{tmp, dest} {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		skip[abs] = true
	}

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(srcAbs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if skip[p] || p == srcAbs {
			return nil
		}
		return addEntry(tw, srcAbs, p, d)
	})

	// close in order even on failure so the file handle is released
	twErr := tw.Close()
	gzErr := gz.Close()
	fErr := f.Close()
	for _, e := range []error{walkErr, twErr, gzErr, fErr} {
		if e != nil {
			return e
		}
	}
	return nil
}

func addEntry(tw *tar.Writer, root, p string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	// symlinks from the measurement container are not followed
	if info.Mode()&fs.ModeSymlink != 0 {
		return nil
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)
	if d.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	file, err := os.Open(p)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(tw, file)
	return err
}
