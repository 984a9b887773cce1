package backup

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	return key
}

func encryptBytes(t *testing.T, svc *EncryptionService, plain []byte, keyID string) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, svc.EncryptStream(context.Background(), &buf, bytes.NewReader(plain), keyID))
	return buf.Bytes()
}

func TestEncryptionService_RoundTrip(t *testing.T) {
	keys := StaticKeyResolver{"k1": testKey(t)}
	svc := NewEncryptionService(keys, 1024)

	sizes := []int{0, 1, 1023, 1024, 1025, 4096, 10000}
	for _, size := range sizes {
		plain := make([]byte, size)
		_, _ = rand.Read(plain)

		sealed := encryptBytes(t, svc, plain, "k1")
		assert.True(t, IsEncrypted(sealed))
		assert.NotContains(t, string(sealed), string(keys["k1"]))

		var out bytes.Buffer
		require.NoError(t, svc.DecryptStream(context.Background(), &out, bytes.NewReader(sealed), "k1"), "size %d", size)
		assert.Equal(t, len(plain), out.Len(), "size %d", size)
		assert.True(t, bytes.Equal(plain, out.Bytes()), "size %d", size)
	}
}

func TestEncryptionService_DistinguishableErrors(t *testing.T) {
	keys := StaticKeyResolver{"k1": testKey(t), "k2": testKey(t)}
	svc := NewEncryptionService(keys, 1024)
	plain := bytes.Repeat([]byte("tenant rows "), 500)
	sealed := encryptBytes(t, svc, plain, "k1")

	decrypt := func(data []byte, keyID string) error {
		return svc.DecryptStream(context.Background(), &bytes.Buffer{}, bytes.NewReader(data), keyID)
	}

	t.Run("unknown key", func(t *testing.T) {
		err := decrypt(sealed, "missing")
		assert.True(t, IsKeyNotFound(err), "got %v", err)
	})

	t.Run("wrong key", func(t *testing.T) {
		err := decrypt(sealed, "k2")
		assert.True(t, IsWrongKey(err), "got %v", err)
	})

	t.Run("flipped ciphertext byte", func(t *testing.T) {
		damaged := append([]byte(nil), sealed...)
		damaged[len(damaged)/2] ^= 0x01
		err := decrypt(damaged, "k1")
		assert.True(t, IsCorrupted(err), "got %v", err)
	})

	t.Run("truncated", func(t *testing.T) {
		err := decrypt(sealed[:len(sealed)-100], "k1")
		assert.True(t, IsCorrupted(err), "got %v", err)
	})

	t.Run("final record dropped", func(t *testing.T) {
		// 6000 bytes at 1024 per chunk: 5 full records and a final one
		recordLen := recordHeaderSize + 1024 + tagSize
		cut := headerSize + 5*recordLen
		err := decrypt(sealed[:cut], "k1")
		assert.True(t, IsCorrupted(err), "got %v", err)
	})

	t.Run("trailing garbage", func(t *testing.T) {
		err := decrypt(append(append([]byte(nil), sealed...), 0x00), "k1")
		assert.True(t, IsCorrupted(err), "got %v", err)
	})

	t.Run("bad header", func(t *testing.T) {
		err := decrypt([]byte("PK\x03\x04 not encrypted at all, just some bytes"), "k1")
		assert.True(t, IsCorrupted(err), "got %v", err)
	})
}

func TestEncryptionService_Files(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "BKUP-1.tar.zst")
	require.NoError(t, os.WriteFile(path, []byte("archive"), 0600))

	svc := NewEncryptionService(StaticKeyResolver{"k1": testKey(t)}, 0)

	enc, err := svc.Encrypt(context.Background(), path, "k1")
	require.NoError(t, err)
	assert.Equal(t, path+EncryptedExtension, enc.OutputPath)
	info, err := os.Stat(enc.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), enc.Size)

	require.NoError(t, os.Remove(path))

	dec, err := svc.Decrypt(context.Background(), enc.OutputPath, "k1")
	require.NoError(t, err)
	assert.Equal(t, path, dec.OutputPath)
	data, err := os.ReadFile(dec.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "archive", string(data))
}

func TestEncryptionService_FailedDecryptLeavesNoOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.tar.enc")
	require.NoError(t, os.WriteFile(path, []byte("OBKENC garbage"), 0600))

	svc := NewEncryptionService(StaticKeyResolver{"k1": testKey(t)}, 0)
	_, err := svc.Decrypt(context.Background(), path, "k1")
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestConfigKeyResolver(t *testing.T) {
	key := testKey(t)

	t.Run("env", func(t *testing.T) {
		t.Setenv("TEST_KEY_PRIMARY_2024", hex.EncodeToString(key))
		resolver := NewConfigKeyResolver(EncryptionConfig{KeySource: KeySourceEnv, KeyEnvPrefix: "TEST_KEY_"})

		got, err := resolver.ResolveKey(context.Background(), "primary-2024")
		require.NoError(t, err)
		assert.Equal(t, key, got)

		_, err = resolver.ResolveKey(context.Background(), "other")
		assert.True(t, IsKeyNotFound(err))
	})

	t.Run("file", func(t *testing.T) {
		dir := t.TempDir()
		_, err := SaveKeyToFile(dir, "k1", key)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "hex.key"), []byte(hex.EncodeToString(key)+"\n"), 0600))

		resolver := NewConfigKeyResolver(EncryptionConfig{KeySource: KeySourceFile, KeyDir: dir})
		got, err := resolver.ResolveKey(context.Background(), "k1")
		require.NoError(t, err)
		assert.Equal(t, key, got)

		got, err = resolver.ResolveKey(context.Background(), "hex")
		require.NoError(t, err)
		assert.Equal(t, key, got)

		_, err = resolver.ResolveKey(context.Background(), "absent")
		assert.True(t, IsKeyNotFound(err))

		_, err = resolver.ResolveKey(context.Background(), "../k1")
		assert.Equal(t, BackupErrorTypeValidation, ErrorType(err))
	})

	t.Run("passphrase", func(t *testing.T) {
		t.Setenv("TEST_PASS_K1", "correct horse battery staple")
		resolver := NewConfigKeyResolver(EncryptionConfig{KeySource: KeySourcePassphrase, KeyEnvPrefix: "TEST_PASS_", Iterations: 1000})

		a, err := resolver.ResolveKey(context.Background(), "k1")
		require.NoError(t, err)
		b, err := resolver.ResolveKey(context.Background(), "k1")
		require.NoError(t, err)
		assert.Equal(t, a, b, "derivation is deterministic")
		assert.Len(t, a, KeySize)
	})
}

func TestValidateKey(t *testing.T) {
	assert.Error(t, ValidateKey(make([]byte, 16)))
	assert.Error(t, ValidateKey(make([]byte, KeySize)))
	assert.Error(t, ValidateKey(bytes.Repeat([]byte{0xFF}, KeySize)))
	assert.NoError(t, ValidateKey(testKey(t)))
}

func TestKeyEnvName(t *testing.T) {
	assert.Equal(t, "ORGBACKUP_KEY_PRIMARY_2024", KeyEnvName("ORGBACKUP_KEY_", "primary-2024"))
	assert.Equal(t, "P_A_B", KeyEnvName("P_", "a.b"))
}
