package libvirt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"
)

// QEMUConfPath is the libvirt QEMU driver configuration file.
const QEMUConfPath = "/etc/libvirt/qemu.conf"

// fallbackQEMUID is the qemu UID/GID on Fedora/RHEL.
const fallbackQEMUID = 107

var (
	qemuUID  int
	qemuGID  int
	qemuOnce sync.Once
	qemuErr  error
)

// QEMUUserGroup returns the UID and GID the QEMU process runs as.
// It tries, in order:
// 1. The user and group configured in /etc/libvirt/qemu.conf
// 2. The common user names (qemu, libvirt-qemu)
// 3. UID/GID 107 as a last resort, reported with an error
//
// The result is cached after the first call.
func QEMUUserGroup() (uid, gid int, err error) {
	qemuOnce.Do(func() {
		qemuUID, qemuGID, qemuErr = lookupQEMUUserGroup(QEMUConfPath)
	})
	return qemuUID, qemuGID, qemuErr
}

func lookupQEMUUserGroup(confPath string) (int, int, error) {
	var username, groupname string
	if f, err := os.Open(confPath); err == nil {
		username, groupname = parseQEMUConf(f)
		_ = f.Close()
	}

	if username != "" {
		if u, err := user.Lookup(username); err == nil {
			gid := u.Gid
			if groupname != "" {
				if g, err := user.LookupGroup(groupname); err == nil {
					gid = g.Gid
				}
			}
			return atoiIDs(u.Uid, gid)
		}
	}

	for _, name := range []string{"qemu", "libvirt-qemu"} {
		if u, err := user.Lookup(name); err == nil {
			return atoiIDs(u.Uid, u.Gid)
		}
	}

	return fallbackQEMUID, fallbackQEMUID, fmt.Errorf("could not determine QEMU user/group, using fallback UID/GID %d", fallbackQEMUID)
}

func atoiIDs(uid, gid string) (int, int, error) {
	u, err := strconv.Atoi(uid)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid UID %q: %w", uid, err)
	}
	g, err := strconv.Atoi(gid)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid GID %q: %w", gid, err)
	}
	return u, g, nil
}

// parseQEMUConf extracts the configured user and group names. Missing
// settings are returned as empty strings.
func parseQEMUConf(r io.Reader) (username, groupname string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), "\"'")
		switch strings.TrimSpace(key) {
		case "user":
			username = value
		case "group":
			groupname = value
		}
	}
	return username, groupname
}

// chownPaths hands paths to uid/gid. Missing paths are skipped.
func chownPaths(uid, gid int, paths ...string) error {
	var errs []error
	for _, p := range paths {
		if err := os.Lchown(p, uid, gid); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("failed to chown %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}
