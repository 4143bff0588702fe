package disk

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/logging"
	"github.com/jbweber/kiln/internal/naming"
)

// CompositeBuilder writes the files of one composite disk.
//
// In production, this is satisfied by *GPTBuilder.
// In tests, this can be satisfied by a mock.
type CompositeBuilder interface {
	// Build writes the composite descriptor, header and footer for the
	// given partitions. zeroFiller is the file used to pad partitions.
	Build(partitions []Partition, zeroFiller string, out naming.CompositeFiles) error
}

// Assembler turns disk descriptors into backings the hypervisor can open.
type Assembler struct {
	builder CompositeBuilder
	logger  *slog.Logger
}

// NewAssembler creates an assembler using builder for composite disks.
func NewAssembler(builder CompositeBuilder, logger *slog.Logger) *Assembler {
	return &Assembler{builder: builder, logger: logging.Ensure(logger)}
}

// Assemble prepares one disk inside the scratch directory dir.
//
// A partitioned disk becomes a composite disk named after *next, which is
// advanced for every composite built. The caller keeps ownership of the
// files in desc; the backing holds clones of them, linked into dir where
// the filesystem allows it, so the hypervisor opens the validated files
// and not whatever their original paths point to later. Exactly one of
// desc.Image and desc.Partitions must be set.
func (a *Assembler) Assemble(desc Descriptor, dir string, next *uint64) (*Backing, error) {
	hasImage := desc.Image != nil
	hasPartitions := len(desc.Partitions) > 0

	switch {
	case hasImage && hasPartitions:
		return nil, v1.Errorf(v1.CodeIllegalArgument, "DiskImage cannot contain both image and partitions")
	case !hasImage && !hasPartitions:
		return nil, v1.Errorf(v1.CodeIllegalArgument, "DiskImage must contain either image or partitions")
	case hasImage:
		return a.cloneImage(desc, dir)
	}

	files := naming.CompositeImageFiles(dir, next)
	a.logger.Debug("Building composite disk", "composite", files.Composite, "partitions", len(desc.Partitions))

	// The partition files are referenced by path from the composite, so
	// they stay open for as long as the VM may use them.
	b := &Backing{
		Path:      files.Composite,
		Composite: true,
		Writable:  desc.Writable,
	}
	for i, p := range desc.Partitions {
		held, err := a.hold(p.File, naming.HeldPartition(dir, files.ID, i, p.File.Name()))
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.files = append(b.files, held)
		b.partitions = append(b.partitions, Partition{Label: p.Label, File: held, Writable: p.Writable})
	}

	if err := a.builder.Build(b.partitions, naming.ZeroFiller(dir), files); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to make composite image: %w", err)
	}
	return b, nil
}

func (a *Assembler) cloneImage(desc Descriptor, dir string) (*Backing, error) {
	held, err := a.hold(desc.Image, naming.HeldImage(dir, uuid.NewString()[:8], desc.Image.Name()))
	if err != nil {
		return nil, err
	}
	return &Backing{
		Path:     held.Name(),
		Writable: desc.Writable,
		files:    []*os.File{held},
	}, nil
}

// hold clones f. When f can be hard linked to link, the clone is named
// after the link; otherwise it keeps f's path and Backing.Verify guards it.
func (a *Assembler) hold(f *os.File, link string) (*os.File, error) {
	path := f.Name()
	if err := linkOpenFile(f, link); err != nil {
		a.logger.Debug("Holding disk file at its own path", "path", path, "error", err)
	} else {
		path = link
	}

	held, err := cloneFileAs(f, path)
	if err != nil {
		if path == link {
			_ = os.Remove(link)
		}
		return nil, err
	}
	return held, nil
}

// linkOpenFile creates a hard link to the inode behind f. It fails across
// filesystems and for files that have no name left.
func linkOpenFile(f *os.File, link string) error {
	src := fmt.Sprintf("/proc/self/fd/%d", f.Fd())
	err := unix.Linkat(unix.AT_FDCWD, src, unix.AT_FDCWD, link, unix.AT_SYMLINK_FOLLOW)
	runtime.KeepAlive(f)
	if err != nil {
		return fmt.Errorf("failed to link %s to %s: %w", f.Name(), link, err)
	}
	return nil
}

// CloneFile returns a new handle to the same open file description as f.
func CloneFile(f *os.File) (*os.File, error) {
	return cloneFileAs(f, f.Name())
}

func cloneFileAs(f *os.File, name string) (*os.File, error) {
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("failed to clone %s: %w", f.Name(), err)
	}
	unix.CloseOnExec(fd)
	return os.NewFile(uintptr(fd), name), nil
}
