package backup

import (
	"bufio"
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Encrypted archive layout:
//
//	header: magic "OBKENC" | version (1) | chunk size (uint32) | key fingerprint (8) | base nonce (12)
//	record: final flag (1) | ciphertext length (uint32) | AES-256-GCM ciphertext
//
// Each record's nonce is the base nonce with the chunk index XORed into its
// last 8 bytes. The additional data of a record is the header followed by the
// chunk index and the final flag, so reordering, truncation and header
// tampering all fail authentication.
const (
	encryptionVersion = 1
	nonceSize         = 12
	tagSize           = 16
	recordHeaderSize  = 5

	// DefaultEncryptionChunkSize is the plaintext size of one record
	DefaultEncryptionChunkSize = 64 * 1024
	// EncryptedExtension is appended to encrypted archives
	EncryptedExtension = ".enc"
)

var encryptionMagic = []byte("OBKENC")

var headerSize = len(encryptionMagic) + 1 + 4 + fingerprintSize + nonceSize

// EncryptionResult describes the output of Encrypt or Decrypt
type EncryptionResult struct {
	OutputPath string `json:"output_path"`
	KeyID      string `json:"key_id"`
	Size       int64  `json:"size"`
}

// EncryptionService seals archives with AES-256-GCM as a chunked stream
type EncryptionService struct {
	keys      KeyResolver
	chunkSize int
}

// NewEncryptionService creates an encryption service. A chunkSize of zero
// selects DefaultEncryptionChunkSize.
func NewEncryptionService(keys KeyResolver, chunkSize int) *EncryptionService {
	if chunkSize <= 0 {
		chunkSize = DefaultEncryptionChunkSize
	}
	return &EncryptionService{keys: keys, chunkSize: chunkSize}
}

// IsEncrypted reports whether header starts an encrypted archive
func IsEncrypted(header []byte) bool {
	return bytes.HasPrefix(header, encryptionMagic)
}

// Encrypt writes <path>.enc sealed with keyID. The source file is left in place.
func (s *EncryptionService) Encrypt(ctx context.Context, path, keyID string) (*EncryptionResult, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, NewEncryptionError("failed to open archive", err).WithContext("path", path)
	}
	defer in.Close()

	outputPath := path + EncryptedExtension
	size, err := writeFileAtomic(outputPath, func(w io.Writer) error {
		return s.EncryptStream(ctx, w, in, keyID)
	})
	if err != nil {
		return nil, err
	}
	return &EncryptionResult{OutputPath: outputPath, KeyID: keyID, Size: size}, nil
}

// Decrypt writes the plaintext of an encrypted archive next to it, dropping
// the .enc extension (or adding .dec when there is none).
func (s *EncryptionService) Decrypt(ctx context.Context, path, keyID string) (*EncryptionResult, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, NewEncryptionError("failed to open encrypted archive", err).WithContext("path", path)
	}
	defer in.Close()

	outputPath := strings.TrimSuffix(path, EncryptedExtension)
	if outputPath == path {
		outputPath = path + ".dec"
	}
	size, err := writeFileAtomic(outputPath, func(w io.Writer) error {
		return s.DecryptStream(ctx, w, in, keyID)
	})
	if err != nil {
		return nil, err
	}
	return &EncryptionResult{OutputPath: outputPath, KeyID: keyID, Size: size}, nil
}

// EncryptStream seals src into dst
func (s *EncryptionService) EncryptStream(ctx context.Context, dst io.Writer, src io.Reader, keyID string) error {
	key, err := s.keys.ResolveKey(ctx, keyID)
	if err != nil {
		return err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	header := make([]byte, 0, headerSize)
	header = append(header, encryptionMagic...)
	header = append(header, encryptionVersion)
	header = binary.BigEndian.AppendUint32(header, uint32(s.chunkSize))
	header = append(header, KeyFingerprint(key)...)
	baseNonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, baseNonce); err != nil {
		return NewEncryptionError("failed to generate nonce", err)
	}
	header = append(header, baseNonce...)

	if _, err := dst.Write(header); err != nil {
		return NewEncryptionError("failed to write header", err)
	}

	reader := bufio.NewReaderSize(src, s.chunkSize)
	plain := make([]byte, s.chunkSize)
	sealed := make([]byte, 0, s.chunkSize+tagSize)
	record := make([]byte, recordHeaderSize)

	for index := uint64(0); ; index++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := io.ReadFull(reader, plain)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			return NewEncryptionError("failed to read archive", readErr)
		}
		final := readErr != nil
		if !final {
			if _, peekErr := reader.Peek(1); peekErr == io.EOF {
				final = true
			}
		}

		sealed = gcm.Seal(sealed[:0], chunkNonce(baseNonce, index), plain[:n], chunkAAD(header, index, final))

		record[0] = boolByte(final)
		binary.BigEndian.PutUint32(record[1:], uint32(len(sealed)))
		if _, err := dst.Write(record); err != nil {
			return NewEncryptionError("failed to write record", err)
		}
		if _, err := dst.Write(sealed); err != nil {
			return NewEncryptionError("failed to write record", err)
		}

		if final {
			return nil
		}
	}
}

// DecryptStream opens an archive sealed by EncryptStream
func (s *EncryptionService) DecryptStream(ctx context.Context, dst io.Writer, src io.Reader, keyID string) error {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(src, header); err != nil {
		return NewCorruptionError("encrypted archive header is truncated", err)
	}
	if !IsEncrypted(header) {
		return NewCorruptionError("archive is not encrypted or has a damaged header", nil)
	}
	offset := len(encryptionMagic)
	if version := header[offset]; version != encryptionVersion {
		return NewCorruptionError(fmt.Sprintf("unsupported encryption version %d", version), nil)
	}
	offset++
	chunkSize := int(binary.BigEndian.Uint32(header[offset:]))
	offset += 4
	fingerprint := header[offset : offset+fingerprintSize]
	offset += fingerprintSize
	baseNonce := header[offset : offset+nonceSize]

	if chunkSize <= 0 || chunkSize > 64*1024*1024 {
		return NewCorruptionError(fmt.Sprintf("invalid chunk size %d", chunkSize), nil)
	}

	key, err := s.keys.ResolveKey(ctx, keyID)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(fingerprint, KeyFingerprint(key)) != 1 {
		return NewWrongKeyError(keyID)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	record := make([]byte, recordHeaderSize)
	sealed := make([]byte, chunkSize+tagSize)
	plain := make([]byte, 0, chunkSize)

	for index := uint64(0); ; index++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := io.ReadFull(src, record); err != nil {
			return NewCorruptionError("encrypted archive is truncated", err)
		}
		if record[0] > 1 {
			return NewCorruptionError("invalid record flag", nil)
		}
		final := record[0] == 1
		length := int(binary.BigEndian.Uint32(record[1:]))
		if length < tagSize || length > chunkSize+tagSize {
			return NewCorruptionError(fmt.Sprintf("invalid record length %d", length), nil)
		}
		if _, err := io.ReadFull(src, sealed[:length]); err != nil {
			return NewCorruptionError("encrypted archive is truncated", err)
		}

		plain, err = gcm.Open(plain[:0], chunkNonce(baseNonce, index), sealed[:length], chunkAAD(header, index, final))
		if err != nil {
			return NewCorruptionError(fmt.Sprintf("authentication failed for chunk %d", index), err)
		}
		if _, err := dst.Write(plain); err != nil {
			return NewEncryptionError("failed to write decrypted data", err)
		}

		if final {
			var extra [1]byte
			if n, _ := src.Read(extra[:]); n > 0 {
				return NewCorruptionError("unexpected data after final record", nil)
			}
			return nil
		}
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, NewEncryptionError("failed to create AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, NewEncryptionError("failed to create GCM cipher", err)
	}
	return gcm, nil
}

func chunkNonce(base []byte, index uint64) []byte {
	nonce := make([]byte, nonceSize)
	copy(nonce, base)
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], index)
	for i := 0; i < 8; i++ {
		nonce[nonceSize-8+i] ^= counter[i]
	}
	return nonce
}

func chunkAAD(header []byte, index uint64, final bool) []byte {
	aad := make([]byte, 0, len(header)+9)
	aad = append(aad, header...)
	aad = binary.BigEndian.AppendUint64(aad, index)
	return append(aad, boolByte(final))
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// writeFileAtomic streams write into a temporary file next to path and
// renames it into place once write succeeded
func writeFileAtomic(path string, write func(w io.Writer) error) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), localTempPrefix+filepath.Base(path)+"-*")
	if err != nil {
		return 0, NewStorageError("failed to create temporary file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	counter := &countingWriter{w: bufio.NewWriter(tmp)}
	if err := write(counter); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := counter.w.(*bufio.Writer).Flush(); err != nil {
		tmp.Close()
		return 0, NewStorageError("failed to flush file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, NewStorageError("failed to sync file", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, NewStorageError("failed to close file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return 0, NewStorageError("failed to move file into place", err)
	}
	return counter.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
