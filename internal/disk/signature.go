package disk

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Signature file layout.
const (
	signatureVersion      = 2
	hashAlgorithmSHA256   = 1
	signatureBlockSize    = 4096
	signatureLog2Block    = 12
	signatureDigestLength = sha256.Size
)

// CreateOrUpdateSignatureFile digests input and writes the signature to out,
// replacing whatever out held before. Both files are read and written from
// offset 0.
func CreateOrUpdateSignatureFile(input, out *os.File) error {
	if _, err := input.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind %s: %w", input.Name(), err)
	}

	var buf bytes.Buffer
	if err := WriteSignature(input, &buf); err != nil {
		return fmt.Errorf("failed to digest %s: %w", input.Name(), err)
	}

	if err := out.Truncate(0); err != nil {
		return fmt.Errorf("failed to reset %s: %w", out.Name(), err)
	}
	if _, err := out.WriteAt(buf.Bytes(), 0); err != nil {
		return fmt.Errorf("failed to write signature %s: %w", out.Name(), err)
	}
	return nil
}

// WriteSignature writes a signature of everything read from r to w: the
// hashing parameters, the root hash and the SHA-256 hash tree over 4 KiB
// blocks.
func WriteSignature(r io.Reader, w io.Writer) error {
	tree, root, err := hashTree(r)
	if err != nil {
		return err
	}

	var hashing bytes.Buffer
	putU32(&hashing, hashAlgorithmSHA256)
	hashing.WriteByte(signatureLog2Block)
	putBytes(&hashing, nil) // salt
	putBytes(&hashing, root)

	var sig bytes.Buffer
	putU32(&sig, signatureVersion)
	putBytes(&sig, hashing.Bytes())
	putBytes(&sig, nil) // signing info
	putBytes(&sig, tree)

	_, err = w.Write(sig.Bytes())
	return err
}

// ReadSignatureRootHash returns the root hash recorded in a signature.
func ReadSignatureRootHash(sig []byte) ([]byte, error) {
	r := bytes.NewReader(sig)

	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	if version != signatureVersion {
		return nil, fmt.Errorf("unsupported signature version %d", version)
	}

	hashing, err := readBytes(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read hashing info: %w", err)
	}
	h := bytes.NewReader(hashing)
	var algorithm uint32
	if err := binary.Read(h, binary.LittleEndian, &algorithm); err != nil {
		return nil, fmt.Errorf("failed to read hash algorithm: %w", err)
	}
	if _, err := h.ReadByte(); err != nil {
		return nil, fmt.Errorf("failed to read block size: %w", err)
	}
	if _, err := readBytes(h); err != nil {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}
	return readBytes(h)
}

// hashTree returns the hash tree (top level first) and its root hash.
// Input shorter than one block is still hashed as one zero-padded block;
// empty input has an empty tree and a zero root.
func hashTree(r io.Reader) (tree []byte, root []byte, err error) {
	level, err := hashBlocks(r)
	if err != nil {
		return nil, nil, err
	}
	if len(level) == 0 {
		return nil, make([]byte, signatureDigestLength), nil
	}

	var levels [][]byte
	for {
		padded := padToBlock(level)
		levels = append(levels, padded)
		if len(padded) == signatureBlockSize {
			break
		}
		if level, err = hashBlocks(bytes.NewReader(padded)); err != nil {
			return nil, nil, err
		}
	}

	for i := len(levels) - 1; i >= 0; i-- {
		tree = append(tree, levels[i]...)
	}
	sum := sha256.Sum256(levels[len(levels)-1])
	return tree, sum[:], nil
}

// hashBlocks returns the concatenated digests of every 4 KiB block of r.
func hashBlocks(r io.Reader) ([]byte, error) {
	var digests []byte
	block := make([]byte, signatureBlockSize)
	for {
		n, err := io.ReadFull(r, block)
		if n > 0 {
			clear(block[n:])
			sum := sha256.Sum256(block)
			digests = append(digests, sum[:]...)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return digests, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func padToBlock(b []byte) []byte {
	size := alignUp(uint64(len(b)), signatureBlockSize)
	out := make([]byte, size)
	copy(out, b)
	return out
}

func putU32(b *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}

func putBytes(b *bytes.Buffer, v []byte) {
	putU32(b, uint32(len(v)))
	b.Write(v)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if int64(n) > int64(r.Len()) {
		return nil, fmt.Errorf("length %d exceeds remaining %d bytes", n, r.Len())
	}
	v := make([]byte, n)
	if _, err := io.ReadFull(r, v); err != nil {
		return nil, err
	}
	return v, nil
}
