package disk

import (
	"errors"
	"fmt"
	"os"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
)

const (
	// FilePermissions are the permissions for files written into a VM's
	// scratch directory. The hypervisor runs as a different user.
	FilePermissions = 0644

	// PartitionAlignment is the size every partition is padded to inside a
	// composite disk.
	PartitionAlignment = 4096
)

// Partition is one labelled partition of a composite disk, backed by an
// already-open file.
type Partition struct {
	Label    string
	File     *os.File
	Writable bool
}

// Descriptor describes one disk handed to a VM: either a single image or an
// ordered list of partitions, never both.
type Descriptor struct {
	Image      *os.File
	Partitions []Partition
	Writable   bool
}

// Backing is an assembled disk ready to be attached to a VM.
//
// The files it holds stay open for as long as the VM may use them and are
// released by Close. Each held file is named after the path the hypervisor
// opens for it.
//
// For a composite disk the hypervisor attaches every partition as its own
// disk; the composite descriptor, header and footer are kept in the scratch
// directory as a record of the disk layout.
type Backing struct {
	// Path is the file the hypervisor opens: the image itself or the
	// composite descriptor.
	Path string

	// Composite is true when Path is a composite descriptor.
	Composite bool

	Writable bool

	// files holds the cloned image handle, or every partition file of a
	// composite disk.
	files []*os.File

	// partitions mirrors files for a composite disk.
	partitions []Partition
}

// Files returns the files kept open for this disk.
func (b *Backing) Files() []*os.File {
	return b.files
}

// Partitions returns the partitions of a composite disk, in order, backed
// by the cloned handles. It is empty for a single image.
func (b *Backing) Partitions() []Partition {
	return b.partitions
}

// Verify checks that the path of every held file still names the file
// that is held. It fails with UntrustedOrigin when a path was replaced or
// removed after the disk was assembled.
func (b *Backing) Verify() error {
	for _, f := range b.files {
		held, err := f.Stat()
		if err != nil {
			return fmt.Errorf("failed to stat held file %s: %w", f.Name(), err)
		}
		current, err := os.Stat(f.Name())
		if err != nil {
			return v1.WithCode(v1.CodeUntrustedOrigin, fmt.Errorf("disk file %s is gone: %w", f.Name(), err))
		}
		if !os.SameFile(held, current) {
			return v1.Errorf(v1.CodeUntrustedOrigin, "disk file %s was replaced after it was validated", f.Name())
		}
	}
	return nil
}

// VerifyAll verifies every backing.
func VerifyAll(backings []*Backing) error {
	for _, b := range backings {
		if b == nil {
			continue
		}
		if err := b.Verify(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every file held by the backing.
func (b *Backing) Close() error {
	var errs []error
	for _, f := range b.files {
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", f.Name(), err))
		}
	}
	b.files = nil
	b.partitions = nil
	return errors.Join(errs...)
}

// CloseAll releases every backing, collecting errors.
func CloseAll(backings []*Backing) error {
	var errs []error
	for _, b := range backings {
		if b == nil {
			continue
		}
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
