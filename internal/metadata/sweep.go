package metadata

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/kiln/internal/logging"
)

// libvirt domain states.
const (
	domainStateShutoff = 5
)

// SweepClient is the subset of *libvirt.Libvirt used by Sweep.
type SweepClient interface {
	Client
	ConnectListAllDomains(NeedResults int32, Flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error)
	DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error)
	DomainDestroy(dom libvirt.Domain) error
	DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error
}

// Sweep removes every kiln domain that was not created by daemonID,
// together with its scratch directory when that lies under tempDir. Such
// domains belong to a daemon that is gone: nothing holds a handle to them
// any more. It returns the number of domains removed.
func Sweep(l SweepClient, daemonID, tempDir string, logger *slog.Logger) (int, error) {
	logger = logging.Ensure(logger)

	domains, _, err := l.ConnectListAllDomains(1, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list domains: %w", err)
	}

	removed := 0
	var errs []error
	for _, dom := range domains {
		o, err := Load(l, dom)
		if err != nil {
			// Not ours.
			continue
		}
		if o.Daemon == daemonID {
			continue
		}

		logger.Info("Removing orphaned VM", "domain", dom.Name, "cid", o.CID, "daemon", o.Daemon)
		if err := remove(l, dom); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove orphaned domain %s: %w", dom.Name, err))
			continue
		}
		removed++

		if isScratchDir(tempDir, o.ScratchDir) {
			if err := os.RemoveAll(o.ScratchDir); err != nil {
				logger.Warn("Failed to remove orphaned scratch directory", "path", o.ScratchDir, "error", err)
			}
		}
	}

	return removed, errors.Join(errs...)
}

func remove(l SweepClient, dom libvirt.Domain) error {
	state, _, err := l.DomainGetState(dom, 0)
	if err != nil {
		return fmt.Errorf("failed to get domain state: %w", err)
	}
	if state != domainStateShutoff {
		if err := l.DomainDestroy(dom); err != nil {
			return fmt.Errorf("failed to destroy domain: %w", err)
		}
	}
	if err := l.DomainUndefineFlags(dom, 0); err != nil {
		return fmt.Errorf("failed to undefine domain: %w", err)
	}
	return nil
}

// isScratchDir reports whether dir is a direct child of tempDir.
func isScratchDir(tempDir, dir string) bool {
	if tempDir == "" || dir == "" || !filepath.IsAbs(dir) {
		return false
	}
	return filepath.Dir(filepath.Clean(dir)) == filepath.Clean(tempDir)
}
