package storage

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
	gcs "google.golang.org/api/storage/v1"
)

const defaultUploadParallelism = 8

// GCSUploader uploads result directories to a Cloud Storage bucket.
type GCSUploader struct {
	svc    *gcs.Service
	bucket string
	// Parallelism bounds concurrent object uploads.
	Parallelism int
}

// NewGCSUploader creates an uploader for bucket using application default
// credentials unless opts say otherwise.
func NewGCSUploader(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSUploader, error) {
	svc, err := gcs.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage service: %w", err)
	}
	return &GCSUploader{svc: svc, bucket: bucket, Parallelism: defaultUploadParallelism}, nil
}

// UploadDirectory uploads every regular file below localPath and then removes
// objects under the prefix that the directory no longer contains.
func (u *GCSUploader) UploadDirectory(ctx context.Context, localPath, remotePrefix string) error {
	files, err := listFiles(localPath)
	if err != nil {
		return &UploadError{Prefix: remotePrefix, Cause: err}
	}

	limit := u.Parallelism
	if limit < 1 {
		limit = defaultUploadParallelism
	}
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	keep := make(map[string]bool, len(files))
	for _, f := range files {
		f := f
		name := objectName(remotePrefix, f.Rel)
		keep[name] = true
		g.Go(func() error {
			return u.uploadFile(gCtx, f.Path, name)
		})
	}
	if err := g.Wait(); err != nil {
		return &UploadError{Prefix: remotePrefix, Cause: err}
	}

	if err := u.deleteStale(ctx, remotePrefix, keep); err != nil {
		// the new files are all in place, old leftovers are only clutter
		slog.Warn("failed to remove stale objects", "bucket", u.bucket, "prefix", remotePrefix, "error", err)
	}
	slog.Debug("uploaded result directory", "bucket", u.bucket, "prefix", remotePrefix, "files", len(files))
	return nil
}

func (u *GCSUploader) uploadFile(ctx context.Context, localPath, name string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	obj := &gcs.Object{Name: name, ContentType: contentType(name)}
	if _, err := u.svc.Objects.Insert(u.bucket, obj).Media(f).Context(ctx).Do(); err != nil {
		return fmt.Errorf("insert %s: %w", name, err)
	}
	return nil
}

func (u *GCSUploader) deleteStale(ctx context.Context, prefix string, keep map[string]bool) error {
	listPrefix := strings.Trim(prefix, "/")
	if listPrefix != "" {
		listPrefix += "/"
	}

	var stale []string
	err := u.svc.Objects.List(u.bucket).Prefix(listPrefix).Pages(ctx, func(objs *gcs.Objects) error {
		for _, o := range objs.Items {
			if !keep[o.Name] {
				stale = append(stale, o.Name)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, name := range stale {
		if err := u.svc.Objects.Delete(u.bucket, name).Context(ctx).Do(); err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
	}
	return nil
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".gz", ".tgz":
		return "application/gzip"
	}
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
