package trust

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	v1 "github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/disk"
	"github.com/jbweber/kiln/internal/logging"
)

// LabelAttr is the extended attribute holding a file's security context.
const LabelAttr = "security.selinux"

// Trusted file types.
const (
	TypeSystemFile      = "system_file"
	TypeAPKDataFile     = "apk_data_file"
	TypeStagingDataFile = "staging_data_file"
	TypeShellDataFile   = "shell_data_file"
)

// Partitions generated for app configs that carry no executable code.
const (
	LabelInstance      = "vm-instance"
	LabelAPKSignature  = "microdroid-apk-idsig"
	LabelPayloadMeta   = "payload-metadata"
	extraSignaturePref = "extra-idsig-"
)

var trustedTypes = map[string]bool{
	TypeSystemFile:      true,
	TypeAPKDataFile:     true,
	TypeStagingDataFile: true,
	TypeShellDataFile:   true,
}

// LabelReader resolves the security label of an open file.
//
// In production, this is satisfied by XattrLabelReader.
// In tests, this can be satisfied by a mock.
type LabelReader interface {
	Label(f *os.File) (string, error)
}

// XattrLabelReader reads labels from the security.selinux extended
// attribute.
type XattrLabelReader struct{}

// Label returns the raw security context of f.
func (XattrLabelReader) Label(f *os.File) (string, error) {
	buf := make([]byte, 256)
	n, err := unix.Fgetxattr(int(f.Fd()), LabelAttr, buf)
	if errors.Is(err, unix.ERANGE) {
		n, err = unix.Fgetxattr(int(f.Fd()), LabelAttr, nil)
		if err != nil {
			return "", fmt.Errorf("failed to size label of %s: %w", f.Name(), err)
		}
		buf = make([]byte, n)
		n, err = unix.Fgetxattr(int(f.Fd()), LabelAttr, buf)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read label of %s: %w", f.Name(), err)
	}
	return strings.TrimRight(string(buf[:n]), "\x00"), nil
}

// Validator checks partition origins.
type Validator struct {
	labels LabelReader
	logger *slog.Logger
}

// NewValidator creates a validator resolving labels with labels.
func NewValidator(labels LabelReader, logger *slog.Logger) *Validator {
	return &Validator{labels: labels, logger: logging.Ensure(logger)}
}

// ValidatePartition returns an UntrustedOrigin error unless the file
// backing p has a trusted label.
func (v *Validator) ValidatePartition(p disk.Partition) error {
	label, err := v.labels.Label(p.File)
	if err != nil {
		return v1.Errorf(v1.CodeUntrustedOrigin, "partition %q: cannot resolve origin: %w", p.Label, err)
	}

	ctx, err := ParseContext(label)
	if err != nil {
		return v1.Errorf(v1.CodeUntrustedOrigin, "partition %q: %w", p.Label, err)
	}
	if !trustedTypes[ctx.Type] {
		return v1.Errorf(v1.CodeUntrustedOrigin, "partition %q has untrusted type %s", p.Label, ctx.Type)
	}
	return nil
}

// ValidateDisks checks every partition of disks. For app configs the
// partitions generated by the daemon itself are skipped.
func (v *Validator) ValidateDisks(disks []disk.Descriptor, isAppConfig bool) error {
	for _, d := range disks {
		for _, p := range d.Partitions {
			if isAppConfig && IsGeneratedPartition(p.Label) {
				v.logger.Debug("Skipping trust check for generated partition", "label", p.Label)
				continue
			}
			if err := v.ValidatePartition(p); err != nil {
				return err
			}
		}
	}
	return nil
}

// IsGeneratedPartition reports whether label names one of the partitions
// the daemon generates for app configs.
func IsGeneratedPartition(label string) bool {
	switch label {
	case LabelInstance, LabelAPKSignature, LabelPayloadMeta:
		return true
	}
	return strings.HasPrefix(label, extraSignaturePref)
}

// ExtraSignatureLabel returns the partition label of the i-th extra APK
// signature.
func ExtraSignatureLabel(i int) string {
	return fmt.Sprintf("%s%d", extraSignaturePref, i)
}
