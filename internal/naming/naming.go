// Package naming provides the file and resource naming conventions used for
// a VM's scratch directory and its libvirt domain.
//
// Every per-VM artifact lives in a scratch directory named after the VM's
// CID, so names only need to be unique within one VM.
package naming

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"
)

// ScratchDir returns the scratch directory of the VM with the given CID.
// Format: {root}/{cid}
func ScratchDir(root string, cid uint32) string {
	return filepath.Join(root, strconv.FormatUint(uint64(cid), 10))
}

// CompositeFiles holds the three files making up one composite disk.
type CompositeFiles struct {
	// ID is the disk number the files are named after.
	ID uint64
	// Composite is the composite disk descriptor handed to the hypervisor.
	Composite string
	// Header holds the partition table placed before the partitions.
	Header string
	// Footer holds the backup partition table placed after the partitions.
	Footer string
}

// CompositeImageFiles returns the composite disk files for disk number id
// and advances *next. Each disk of one VM must use a distinct id.
// Format: composite-{id}.img, composite-{id}-header.img, composite-{id}-footer.img
func CompositeImageFiles(dir string, next *uint64) CompositeFiles {
	id := *next
	*next++
	return CompositeFiles{
		ID:        id,
		Composite: filepath.Join(dir, fmt.Sprintf("composite-%d.img", id)),
		Header:    filepath.Join(dir, fmt.Sprintf("composite-%d-header.img", id)),
		Footer:    filepath.Join(dir, fmt.Sprintf("composite-%d-footer.img", id)),
	}
}

// HeldImage returns the link a single disk image is held under. id must be
// unique within dir.
// Format: image-{id}-{base of src}
func HeldImage(dir, id, src string) string {
	return filepath.Join(dir, fmt.Sprintf("image-%s-%s", id, baseName(src)))
}

// HeldPartition returns the link partition i of composite disk id is held
// under.
// Format: composite-{id}-{i}-{base of src}
func HeldPartition(dir string, id uint64, i int, src string) string {
	return filepath.Join(dir, fmt.Sprintf("composite-%d-%d-%s", id, i, baseName(src)))
}

func baseName(path string) string {
	base := filepath.Base(path)
	if base == "." || base == string(filepath.Separator) {
		return "disk.img"
	}
	return base
}

// ZeroFiller returns the path of the zero-filled padding file.
func ZeroFiller(dir string) string {
	return filepath.Join(dir, "zero.img")
}

// Ramdump returns the path of the file the guest writes memory dumps to.
func Ramdump(dir string) string {
	return filepath.Join(dir, "ramdump")
}

// PayloadMetadata returns the path of the generated payload metadata image.
func PayloadMetadata(dir string) string {
	return filepath.Join(dir, "payload-metadata.img")
}

// ConsoleSocket returns the path of the unix socket the guest console is
// exposed on.
func ConsoleSocket(dir string) string {
	return filepath.Join(dir, "console.sock")
}

// LogSocket returns the path of the unix socket the guest log port is
// exposed on.
func LogSocket(dir string) string {
	return filepath.Join(dir, "log.sock")
}

// DomainName returns the libvirt domain name of the VM with the given CID.
// Format: kiln-{cid}
func DomainName(cid uint32) string {
	return fmt.Sprintf("kiln-%d", cid)
}

// Tombstone returns the file name for a guest crash dump received at t.
// Format: tombstone-{cid}-{unix seconds}.txt
func Tombstone(cid uint32, t time.Time) string {
	return fmt.Sprintf("tombstone-%d-%d.txt", cid, t.Unix())
}
