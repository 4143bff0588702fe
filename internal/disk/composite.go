package disk

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"unicode/utf16"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/jbweber/kiln/internal/naming"
)

// GPT layout constants.
const (
	sectorSize       = 512
	gptEntryCount    = 128
	gptEntrySize     = 128
	gptHeaderSize    = 92
	gptEntriesSize   = gptEntryCount * gptEntrySize
	gptEntrySectors  = gptEntriesSize / sectorSize
	gptNameMaxChars  = 36
	gptRevision      = 0x00010000
	mbrPartitionBase = 446

	// HeaderRegionSize is the size of the header file: protective MBR, GPT
	// header and entries, padded so the first partition is aligned.
	HeaderRegionSize = (2*sectorSize + gptEntriesSize + PartitionAlignment - 1) / PartitionAlignment * PartitionAlignment

	// FooterRegionSize is the size of the footer file: backup entries
	// followed by the backup GPT header.
	FooterRegionSize = gptEntriesSize + sectorSize
)

// Composite descriptor encoding.
const (
	// CompositeMagic starts every composite descriptor.
	CompositeMagic = "composite_disk\x1d"

	compositeVersion = 1

	fieldVersion        protowire.Number = 1
	fieldLength         protowire.Number = 2
	fieldDiskComponents protowire.Number = 3

	fieldFilePath            protowire.Number = 1
	fieldOffset              protowire.Number = 2
	fieldReadWriteCapability protowire.Number = 3

	readOnly  = 0
	readWrite = 1
)

var gptSignature = []byte("EFI PART")

// linuxFilesystemType is the GPT partition type for Linux filesystem data.
var linuxFilesystemType = uuid.MustParse("0FC63DAF-8483-4772-8E79-3D69D8477DE4")

// Component is one file mapped into a composite disk.
type Component struct {
	Path     string
	Offset   uint64
	Writable bool
}

// GPTBuilder builds composite disks whose partitions are described by a GPT.
type GPTBuilder struct {
	// NewGUID returns disk and partition GUIDs. Defaults to uuid.New.
	NewGUID func() uuid.UUID
}

// NewGPTBuilder returns a builder generating random GUIDs.
func NewGPTBuilder() *GPTBuilder {
	return &GPTBuilder{NewGUID: uuid.New}
}

// Build writes the header, footer and composite descriptor files.
func (g *GPTBuilder) Build(partitions []Partition, zeroFiller string, out naming.CompositeFiles) error {
	if len(partitions) == 0 {
		return fmt.Errorf("composite disk needs at least one partition")
	}
	if len(partitions) > gptEntryCount {
		return fmt.Errorf("too many partitions: %d, max %d", len(partitions), gptEntryCount)
	}

	newGUID := g.NewGUID
	if newGUID == nil {
		newGUID = uuid.New
	}

	layout, err := planLayout(partitions, zeroFiller, out)
	if err != nil {
		return err
	}

	entries := make([]byte, gptEntriesSize)
	for i, p := range partitions {
		r := layout.ranges[i]
		encodeEntry(entries[i*gptEntrySize:(i+1)*gptEntrySize], newGUID(), r.first, r.last, p.Label)
	}
	entriesCRC := crc32.ChecksumIEEE(entries)

	diskGUID := newGUID()
	lastLBA := layout.totalSize/sectorSize - 1
	firstUsable := uint64(HeaderRegionSize / sectorSize)
	lastUsable := lastLBA - uint64(FooterRegionSize/sectorSize)

	header := make([]byte, HeaderRegionSize)
	encodeProtectiveMBR(header[:sectorSize], lastLBA)
	encodeGPTHeader(header[sectorSize:2*sectorSize], gptHeaderFields{
		currentLBA:  1,
		backupLBA:   lastLBA,
		firstUsable: firstUsable,
		lastUsable:  lastUsable,
		diskGUID:    diskGUID,
		entriesLBA:  2,
		entriesCRC:  entriesCRC,
	})
	copy(header[2*sectorSize:], entries)

	footer := make([]byte, FooterRegionSize)
	copy(footer, entries)
	encodeGPTHeader(footer[gptEntriesSize:], gptHeaderFields{
		currentLBA:  lastLBA,
		backupLBA:   1,
		firstUsable: firstUsable,
		lastUsable:  lastUsable,
		diskGUID:    diskGUID,
		entriesLBA:  lastLBA - gptEntrySectors,
		entriesCRC:  entriesCRC,
	})

	if err := os.WriteFile(out.Header, header, FilePermissions); err != nil {
		return fmt.Errorf("failed to write GPT header %s: %w", out.Header, err)
	}
	if err := os.WriteFile(out.Footer, footer, FilePermissions); err != nil {
		return fmt.Errorf("failed to write GPT footer %s: %w", out.Footer, err)
	}
	if err := os.WriteFile(out.Composite, EncodeComposite(layout.totalSize, layout.components), FilePermissions); err != nil {
		return fmt.Errorf("failed to write composite descriptor %s: %w", out.Composite, err)
	}
	return nil
}

type lbaRange struct {
	first, last uint64
}

type compositeLayout struct {
	components []Component
	ranges     []lbaRange
	totalSize  uint64
}

// planLayout places the header, each partition (padded with zeroFiller to
// PartitionAlignment) and the footer one after the other.
func planLayout(partitions []Partition, zeroFiller string, out naming.CompositeFiles) (*compositeLayout, error) {
	l := &compositeLayout{
		components: []Component{{Path: out.Header, Offset: 0}},
	}

	offset := uint64(HeaderRegionSize)
	for _, p := range partitions {
		info, err := p.File.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat partition %q: %w", p.Label, err)
		}
		size := uint64(info.Size())
		if size == 0 {
			return nil, fmt.Errorf("partition %q is empty", p.Label)
		}
		aligned := alignUp(size, PartitionAlignment)

		l.components = append(l.components, Component{Path: p.File.Name(), Offset: offset, Writable: p.Writable})
		if aligned > size {
			l.components = append(l.components, Component{Path: zeroFiller, Offset: offset + size})
		}
		l.ranges = append(l.ranges, lbaRange{
			first: offset / sectorSize,
			last:  (offset+aligned)/sectorSize - 1,
		})
		offset += aligned
	}

	l.components = append(l.components, Component{Path: out.Footer, Offset: offset})
	l.totalSize = offset + FooterRegionSize
	return l, nil
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) / align * align
}

type gptHeaderFields struct {
	currentLBA  uint64
	backupLBA   uint64
	firstUsable uint64
	lastUsable  uint64
	diskGUID    uuid.UUID
	entriesLBA  uint64
	entriesCRC  uint32
}

func encodeGPTHeader(b []byte, h gptHeaderFields) {
	le := binary.LittleEndian
	copy(b[0:8], gptSignature)
	le.PutUint32(b[8:], gptRevision)
	le.PutUint32(b[12:], gptHeaderSize)
	le.PutUint64(b[24:], h.currentLBA)
	le.PutUint64(b[32:], h.backupLBA)
	le.PutUint64(b[40:], h.firstUsable)
	le.PutUint64(b[48:], h.lastUsable)
	guid := mixedEndianGUID(h.diskGUID)
	copy(b[56:72], guid[:])
	le.PutUint64(b[72:], h.entriesLBA)
	le.PutUint32(b[80:], gptEntryCount)
	le.PutUint32(b[84:], gptEntrySize)
	le.PutUint32(b[88:], h.entriesCRC)
	le.PutUint32(b[16:], crc32.ChecksumIEEE(b[:gptHeaderSize]))
}

func encodeEntry(b []byte, unique uuid.UUID, first, last uint64, label string) {
	le := binary.LittleEndian
	typ := mixedEndianGUID(linuxFilesystemType)
	copy(b[0:16], typ[:])
	id := mixedEndianGUID(unique)
	copy(b[16:32], id[:])
	le.PutUint64(b[32:], first)
	le.PutUint64(b[40:], last)

	name := utf16.Encode([]rune(label))
	if len(name) > gptNameMaxChars {
		name = name[:gptNameMaxChars]
	}
	for i, c := range name {
		le.PutUint16(b[56+2*i:], c)
	}
}

// encodeProtectiveMBR writes an MBR with one partition of type 0xEE covering
// the whole disk.
func encodeProtectiveMBR(b []byte, lastLBA uint64) {
	p := b[mbrPartitionBase : mbrPartitionBase+16]
	p[1], p[2], p[3] = 0x00, 0x02, 0x00
	p[4] = 0xEE
	p[5], p[6], p[7] = 0xFF, 0xFF, 0xFF
	binary.LittleEndian.PutUint32(p[8:], 1)
	sectors := lastLBA
	if sectors > 0xFFFFFFFF {
		sectors = 0xFFFFFFFF
	}
	binary.LittleEndian.PutUint32(p[12:], uint32(sectors))
	b[510], b[511] = 0x55, 0xAA
}

// mixedEndianGUID converts u to the on-disk GUID layout, which stores the
// first three fields little-endian.
func mixedEndianGUID(u uuid.UUID) [16]byte {
	var b [16]byte
	copy(b[:], u[:])
	b[0], b[1], b[2], b[3] = b[3], b[2], b[1], b[0]
	b[4], b[5] = b[5], b[4]
	b[6], b[7] = b[7], b[6]
	return b
}

// EncodeComposite returns the composite descriptor for a disk of the given
// length made of components.
func EncodeComposite(length uint64, components []Component) []byte {
	b := []byte(CompositeMagic)
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, compositeVersion)
	b = protowire.AppendTag(b, fieldLength, protowire.VarintType)
	b = protowire.AppendVarint(b, length)

	for _, c := range components {
		var msg []byte
		msg = protowire.AppendTag(msg, fieldFilePath, protowire.BytesType)
		msg = protowire.AppendString(msg, c.Path)
		msg = protowire.AppendTag(msg, fieldOffset, protowire.VarintType)
		msg = protowire.AppendVarint(msg, c.Offset)
		capability := uint64(readOnly)
		if c.Writable {
			capability = readWrite
		}
		msg = protowire.AppendTag(msg, fieldReadWriteCapability, protowire.VarintType)
		msg = protowire.AppendVarint(msg, capability)

		b = protowire.AppendTag(b, fieldDiskComponents, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	return b
}

// DecodeComposite parses a composite descriptor written by EncodeComposite.
func DecodeComposite(b []byte) (length uint64, components []Component, err error) {
	if len(b) < len(CompositeMagic) || string(b[:len(CompositeMagic)]) != CompositeMagic {
		return 0, nil, fmt.Errorf("missing composite disk magic")
	}
	b = b[len(CompositeMagic):]

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldLength && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, nil, protowire.ParseError(n)
			}
			length = v
			b = b[n:]
		case num == fieldDiskComponents && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, nil, protowire.ParseError(n)
			}
			c, err := decodeComponent(msg)
			if err != nil {
				return 0, nil, err
			}
			components = append(components, c)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return 0, nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return length, components, nil
}

func decodeComponent(b []byte) (Component, error) {
	var c Component
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return c, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldFilePath && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return c, protowire.ParseError(n)
			}
			c.Path = s
			b = b[n:]
		case num == fieldOffset && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return c, protowire.ParseError(n)
			}
			c.Offset = v
			b = b[n:]
		case num == fieldReadWriteCapability && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return c, protowire.ParseError(n)
			}
			c.Writable = v == readWrite
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return c, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return c, nil
}
