// Package packaging prepares a finished result directory for upload: it removes
// working files, adds the shared static assets and compresses the tree.
package packaging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// PruneTargets are the working paths a measurement run leaves behind that are
// not part of the published result.
var PruneTargets = []string{
	"data",
	"config.json",
	"sitespeed.io.log",
	"browsermobproxy.log",
	"browsertime.log",
}

// Prune removes each target below outputDir. Removal is attempted for every
// target; failures are logged and returned, never fatal. Missing targets are
// not failures.
func Prune(outputDir string, targets []string) []error {
	var errs []error
	for _, target := range targets {
		p := filepath.Join(outputDir, target)
		if err := os.RemoveAll(p); err != nil {
			slog.Warn("failed to remove working file", "path", p, "error", err)
			errs = append(errs, fmt.Errorf("prune %s: %w", target, err))
		}
	}
	return errs
}
