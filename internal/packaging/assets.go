package packaging

import (
	"embed"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

//go:embed assets
var embedded embed.FS

// DefaultAssets returns the static files shipped with the worker.
func DefaultAssets() fs.FS {
	sub, err := fs.Sub(embedded, "assets")
	if err != nil {
		// the directory is compiled in; a failure here is a build defect
		panic(fmt.Sprintf("embedded assets: %v", err))
	}
	return sub
}

// AssetsFrom returns the assets found at dir, or the embedded ones when dir is empty.
func AssetsFrom(dir string) fs.FS {
	if dir == "" {
		return DefaultAssets()
	}
	return os.DirFS(dir)
}

// InjectAssets copies every file of assets into outputDir, keeping the
// relative layout and overwriting existing files. It keeps going after a
// failed file and returns all failures.
func InjectAssets(outputDir string, assets fs.FS) []error {
	var errs []error
	walkErr := fs.WalkDir(assets, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, fmt.Errorf("copy asset %s: %w", p, err))
			return nil
		}
		dest := filepath.Join(outputDir, filepath.FromSlash(p))
		if d.IsDir() {
			if err := os.MkdirAll(dest, 0755); err != nil {
				errs = append(errs, fmt.Errorf("copy asset dir %s: %w", p, err))
				return fs.SkipDir
			}
			return nil
		}
		if err := copyFile(assets, p, dest); err != nil {
			errs = append(errs, fmt.Errorf("copy asset %s: %w", p, err))
		}
		return nil
	})
	if walkErr != nil {
		errs = append(errs, walkErr)
	}
	for _, err := range errs {
		slog.Warn("asset copy failed", "dir", outputDir, "error", err)
	}
	return errs
}

func copyFile(src fs.FS, name, dest string) error {
	in, err := src.Open(name)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
