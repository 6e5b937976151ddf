package cryptox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// File layout: magic || file nonce || sealed blocks. Each block seals
// BlockSize plaintext bytes (the last one less) with AES-256-GCM under a
// nonce derived from the file nonce and the block index, and with the
// block index as additional data so blocks cannot be reordered. Blocks are
// independently decryptable, which is what makes ranged reads (player
// scrubbing) O(range) instead of O(file).
const (
	// BlockSize is the plaintext bytes per encryption block.
	BlockSize = 64 * 1024

	nonceSize  = 12
	gcmTagSize = 16
	headerSize = len(fileMagic) + nonceSize

	sealedBlockSize = BlockSize + gcmTagSize
)

const fileMagic = "RVLTENC1"

var (
	// ErrNotEncrypted means the input lacks the encrypted-file header.
	ErrNotEncrypted = errors.New("input is not an encrypted vault file")
	// ErrCiphertextCorrupt means a block failed authentication or the file
	// is structurally invalid.
	ErrCiphertextCorrupt = errors.New("ciphertext corrupt")
)

// Cipher encrypts and decrypts vault files under one long-lived key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// blockNonce derives the per-block nonce by folding the block index into
// the low 8 bytes of the file nonce.
func blockNonce(fileNonce []byte, index uint64) []byte {
	nonce := make([]byte, nonceSize)
	copy(nonce, fileNonce)

	var idx [8]byte

	binary.BigEndian.PutUint64(idx[:], index)

	for i := 0; i < 8; i++ {
		nonce[nonceSize-8+i] ^= idx[i]
	}

	return nonce
}

func blockAAD(index uint64) []byte {
	var aad [8]byte

	binary.BigEndian.PutUint64(aad[:], index)

	return aad[:]
}

// EncryptStream reads plaintext from src and writes the encrypted file to
// dst with a fresh random file nonce. It returns the number of plaintext
// bytes consumed.
func (c *Cipher) EncryptStream(dst io.Writer, src io.Reader) (int64, error) {
	fileNonce := make([]byte, nonceSize)
	if _, err := rand.Read(fileNonce); err != nil {
		return 0, fmt.Errorf("failed to generate file nonce: %w", err)
	}

	if _, err := dst.Write([]byte(fileMagic)); err != nil {
		return 0, fmt.Errorf("failed to write header: %w", err)
	}

	if _, err := dst.Write(fileNonce); err != nil {
		return 0, fmt.Errorf("failed to write header: %w", err)
	}

	var (
		written int64
		index   uint64
	)

	plain := make([]byte, BlockSize)
	sealed := make([]byte, 0, sealedBlockSize)

	for {
		n, err := io.ReadFull(src, plain)
		if n > 0 {
			sealed = c.aead.Seal(sealed[:0], blockNonce(fileNonce, index), plain[:n], blockAAD(index))
			if _, werr := dst.Write(sealed); werr != nil {
				return written, fmt.Errorf("failed to write block: %w", werr)
			}

			written += int64(n)
			index++
		}

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return written, nil
		}

		if err != nil {
			return written, fmt.Errorf("failed to read plaintext: %w", err)
		}
	}
}

// PlaintextSize computes the plaintext length of an encrypted file from
// its on-disk size.
func PlaintextSize(cipherSize int64) (int64, error) {
	body := cipherSize - int64(headerSize)
	if body < 0 {
		return 0, ErrNotEncrypted
	}

	full := body / sealedBlockSize
	rem := body % sealedBlockSize

	if rem > 0 && rem <= gcmTagSize {
		return 0, ErrCiphertextCorrupt
	}

	size := full * BlockSize
	if rem > 0 {
		size += rem - gcmTagSize
	}

	return size, nil
}

// DecryptRange decrypts the plaintext slice [offset, offset+length) from an
// encrypted file. The requested range must lie within the plaintext; the
// caller clamps it beforehand. Each call is stateless, so concurrent
// requests against the same file are independent.
func (c *Cipher) DecryptRange(src io.ReadSeeker, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("invalid range %d+%d", offset, length)
	}

	if length == 0 {
		return nil, nil
	}

	cipherSize, err := src.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to size ciphertext: %w", err)
	}

	ptSize, err := PlaintextSize(cipherSize)
	if err != nil {
		return nil, err
	}

	if offset+length > ptSize {
		return nil, fmt.Errorf("range %d+%d beyond plaintext size %d", offset, length, ptSize)
	}

	if err := c.checkHeader(src); err != nil {
		return nil, err
	}

	fileNonce := make([]byte, nonceSize)
	if _, err := src.Seek(int64(len(fileMagic)), io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek header: %w", err)
	}

	if _, err := io.ReadFull(src, fileNonce); err != nil {
		return nil, fmt.Errorf("failed to read file nonce: %w", err)
	}

	firstBlock := offset / BlockSize
	lastBlock := (offset + length - 1) / BlockSize

	out := make([]byte, 0, length)
	sealed := make([]byte, sealedBlockSize)

	for i := firstBlock; i <= lastBlock; i++ {
		blockOff := int64(headerSize) + i*sealedBlockSize

		sealedLen := int64(sealedBlockSize)
		if blockOff+sealedLen > cipherSize {
			sealedLen = cipherSize - blockOff
		}

		if _, err := src.Seek(blockOff, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to seek block %d: %w", i, err)
		}

		if _, err := io.ReadFull(src, sealed[:sealedLen]); err != nil {
			return nil, fmt.Errorf("failed to read block %d: %w", i, err)
		}

		plain, err := c.aead.Open(nil, blockNonce(fileNonce, uint64(i)), sealed[:sealedLen], blockAAD(uint64(i)))
		if err != nil {
			return nil, fmt.Errorf("%w: block %d", ErrCiphertextCorrupt, i)
		}

		// Trim the first and last blocks to the requested window.
		start := int64(0)
		if i == firstBlock {
			start = offset - firstBlock*BlockSize
		}

		end := int64(len(plain))
		if i == lastBlock {
			end = offset + length - i*BlockSize
		}

		out = append(out, plain[start:end]...)
	}

	return out, nil
}

func (c *Cipher) checkHeader(src io.ReadSeeker) error {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek header: %w", err)
	}

	magic := make([]byte, len(fileMagic))
	if _, err := io.ReadFull(src, magic); err != nil {
		return ErrNotEncrypted
	}

	if !bytes.Equal(magic, []byte(fileMagic)) {
		return ErrNotEncrypted
	}

	return nil
}
