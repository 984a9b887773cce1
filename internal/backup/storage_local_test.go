package backup

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLocalDisk(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name    string
		config  *LocalConfig
		wantErr bool
	}{
		{
			name:    "valid config",
			config:  &LocalConfig{Root: tempDir, Permissions: 0755},
			wantErr: false,
		},
		{
			name:    "nested root is created",
			config:  &LocalConfig{Root: filepath.Join(tempDir, "a", "b")},
			wantErr: false,
		},
		{
			name:    "nil config",
			config:  nil,
			wantErr: true,
		},
		{
			name:    "empty root",
			config:  &LocalConfig{Root: ""},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disk, err := NewLocalDisk("local", tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewLocalDisk() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && disk == nil {
				t.Error("Expected disk to be created, got nil")
			}
		})
	}
}

func newTestLocalDisk(t *testing.T) *LocalDisk {
	t.Helper()
	disk, err := NewLocalDisk("local", &LocalConfig{Root: t.TempDir()})
	require.NoError(t, err)
	return disk
}

func TestLocalDisk_PutGet(t *testing.T) {
	ctx := context.Background()
	disk := newTestLocalDisk(t)

	require.NoError(t, disk.Put(ctx, "org-1/BKUP-1.tar.zst", strings.NewReader("archive bytes")))

	r, err := disk.Get(ctx, "org-1/BKUP-1.tar.zst")
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "archive bytes", string(data))

	exists, err := disk.Exists(ctx, "org-1/BKUP-1.tar.zst")
	require.NoError(t, err)
	assert.True(t, exists)

	// overwrite replaces the whole object
	require.NoError(t, disk.Put(ctx, "org-1/BKUP-1.tar.zst", strings.NewReader("v2")))
	r2, err := disk.Get(ctx, "org-1/BKUP-1.tar.zst")
	require.NoError(t, err)
	defer r2.Close()
	data, _ = io.ReadAll(r2)
	assert.Equal(t, "v2", string(data))
}

func TestLocalDisk_GetMissing(t *testing.T) {
	disk := newTestLocalDisk(t)

	_, err := disk.Get(context.Background(), "nope.tar")
	require.Error(t, err)
	assert.Equal(t, BackupErrorTypeNotFound, ErrorType(err))

	exists, err := disk.Exists(context.Background(), "nope.tar")
	require.NoError(t, err)
	assert.False(t, exists)
}

type failingReader struct{ after int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.after <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	n := copy(p, bytes.Repeat([]byte("x"), min(len(p), f.after)))
	f.after -= n
	return n, nil
}

func TestLocalDisk_PutIsAtomic(t *testing.T) {
	ctx := context.Background()
	disk := newTestLocalDisk(t)

	err := disk.Put(ctx, "org-1/partial.tar", &failingReader{after: 1024})
	require.Error(t, err)

	exists, err := disk.Exists(ctx, "org-1/partial.tar")
	require.NoError(t, err)
	assert.False(t, exists)

	entries, err := os.ReadDir(filepath.Join(disk.Root(), "org-1"))
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary file must be removed after a failed write")
}

func TestLocalDisk_PathsStayInsideRoot(t *testing.T) {
	ctx := context.Background()
	disk := newTestLocalDisk(t)

	require.NoError(t, disk.Put(ctx, "../../escape.txt", strings.NewReader("x")))

	_, err := os.Stat(filepath.Join(disk.Root(), "escape.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(filepath.Dir(disk.Root()), "escape.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalDisk_DeleteAndList(t *testing.T) {
	ctx := context.Background()
	disk := newTestLocalDisk(t)

	for _, p := range []string{"org-1/b.tar", "org-1/a.tar", "org-2/c.tar"} {
		require.NoError(t, disk.Put(ctx, p, strings.NewReader(p)))
	}
	// an in-flight write must not be listed
	require.NoError(t, os.WriteFile(filepath.Join(disk.Root(), "org-1", localTempPrefix+"x"), []byte("tmp"), 0600))

	files, err := disk.List(ctx, "org-1/")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "org-1/a.tar", files[0].Path)
	assert.Equal(t, int64(len("org-1/a.tar")), files[0].Size)
	assert.False(t, files[0].ModTime.IsZero())

	require.NoError(t, disk.Delete(ctx, "org-1/a.tar"))
	require.NoError(t, disk.Delete(ctx, "org-1/a.tar"), "deleting a missing object succeeds")

	all, err := disk.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestLocalDisk_PutHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	disk := newTestLocalDisk(t)
	err := disk.Put(ctx, "x.tar", strings.NewReader("data"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
