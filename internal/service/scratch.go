package service

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jbweber/kiln/internal/logging"
)

// RemoveStaleScratchDirs removes every scratch directory under tempDir.
// It must run before any VM is created: failed creations leave their
// scratch directories behind, and a fresh daemon holds no VMs, so every
// directory named after a CID is stale. It returns the number removed.
func RemoveStaleScratchDirs(tempDir string, logger *slog.Logger) (int, error) {
	logger = logging.Ensure(logger)

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read %s: %w", tempDir, err)
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.ParseUint(e.Name(), 10, 32); err != nil {
			continue
		}
		path := filepath.Join(tempDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", path, err))
			continue
		}
		logger.Debug("Removed stale scratch directory", "path", path)
		removed++
	}
	return removed, errors.Join(errs...)
}
