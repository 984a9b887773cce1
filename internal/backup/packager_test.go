package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"org-backup-engine/internal/logging"
	"org-backup-engine/internal/schema"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type packageFixture struct {
	input    PackageInput
	snapshot *schema.Snapshot
}

func newPackageFixture(t *testing.T) packageFixture {
	t.Helper()
	db := openTenantDB(t)
	seedTenantDB(t, db)
	snapshot := discoverTenantDB(t, db)
	org := mustOrg(t, "org-1")

	extraction, err := NewExtractor(db, sqliteDialect, ExtractionConfig{}, nil).Extract(context.Background(), org, snapshot, nil, nil)
	require.NoError(t, err)

	source := t.TempDir()
	writeSourceFile(t, source, "campaigns/1.png", "png-bytes")
	collected, err := NewFileCollector(FilesConfig{SourceRoot: source}, t.TempDir(), nil).
		Collect(context.Background(), "run-1", extraction.Categories, nil)
	require.NoError(t, err)

	plan, err := schema.NewResolver(nil).Resolve(snapshot, snapshot.TableNames())
	require.NoError(t, err)

	return packageFixture{
		snapshot: snapshot,
		input: PackageInput{
			BackupID:        "b-1",
			BackupCode:      "BKUP-20240301-100000-ABCDEF",
			Org:             org,
			Extraction:      extraction,
			Files:           collected,
			Snapshot:        snapshot,
			Plan:            plan,
			TimestampColumn: "updated_at",
			OutputDir:       t.TempDir(),
		},
	}
}

func fixedPackager(algorithm CompressionType) *Packager {
	p := NewPackager(CompressionConfig{Algorithm: algorithm}, logging.NewNopLogger())
	p.now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	return p
}

func TestPackager_CreateAndExtract(t *testing.T) {
	fx := newPackageFixture(t)
	packager := fixedPackager(CompressionTypeZstd)

	pkg, err := packager.CreatePackage(context.Background(), fx.input)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(fx.input.OutputDir, "BKUP-20240301-100000-ABCDEF.tar.zst"), pkg.Path)
	assert.Len(t, pkg.Checksum, 64)

	info, err := os.Stat(pkg.Path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), pkg.Size)

	manifest := pkg.Manifest
	assert.Equal(t, ManifestFormat, manifest.Format)
	assert.Equal(t, int64(5), manifest.TotalRecords)
	assert.Equal(t, 1, manifest.TotalFiles)
	assert.Equal(t, []string{"activity_notes", "audience_segments", "campaigns", "ad_sets"}, manifest.RestoreOrder)
	assert.Equal(t, int64(2), manifest.Categories["campaigns"].Tables["campaigns"])

	var entryNames []string
	for _, e := range manifest.Entries {
		entryNames = append(entryNames, e.Path)
	}
	assert.Equal(t, []string{"data/audiences.json", "data/campaigns.json", "data/other.json", "files/campaigns/1.png"}, entryNames)

	dest := t.TempDir()
	extracted, err := packager.ExtractPackage(context.Background(), pkg.Path, dest, pkg.Checksum)
	require.NoError(t, err)
	assert.True(t, extracted.Success, "%v", extracted.VerificationErrors)
	require.NotNil(t, extracted.Manifest)
	assert.Equal(t, "org-1", extracted.Manifest.OrgID)
	assert.Equal(t, []string{"campaigns", "ad_sets"}, extracted.Manifest.TablesIn([]string{"campaigns"}))

	staged, err := os.ReadFile(filepath.Join(dest, "files", "campaigns", "1.png"))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(staged))

	data, err := LoadCategoryData(dest, extracted.Manifest, "campaigns")
	require.NoError(t, err)
	require.Len(t, data["campaigns"], 2)
	assert.Equal(t, json.Number("1"), data["campaigns"][0]["id"])
	assert.Equal(t, "Spring launch", data["campaigns"][0]["name"])

	_, err = LoadCategoryData(dest, extracted.Manifest, "billing")
	assert.Equal(t, BackupErrorTypeNotFound, ErrorType(err))
}

func TestPackager_Deterministic(t *testing.T) {
	fx := newPackageFixture(t)
	packager := fixedPackager(CompressionTypeGzip)

	first, err := packager.CreatePackage(context.Background(), fx.input)
	require.NoError(t, err)
	a, err := os.ReadFile(first.Path)
	require.NoError(t, err)

	second, err := packager.CreatePackage(context.Background(), fx.input)
	require.NoError(t, err)
	b, err := os.ReadFile(second.Path)
	require.NoError(t, err)

	assert.Equal(t, first.Checksum, second.Checksum)
	assert.Equal(t, a, b)
}

func TestPackager_DetectsFlippedByte(t *testing.T) {
	fx := newPackageFixture(t)
	packager := fixedPackager(CompressionTypeNone)

	pkg, err := packager.CreatePackage(context.Background(), fx.input)
	require.NoError(t, err)

	archive, err := os.ReadFile(pkg.Path)
	require.NoError(t, err)
	idx := bytes.Index(archive, []byte("Spring launch"))
	require.Greater(t, idx, 0)
	archive[idx] ^= 0x01
	require.NoError(t, os.WriteFile(pkg.Path, archive, 0640))

	t.Run("archive checksum", func(t *testing.T) {
		result, err := packager.ExtractPackage(context.Background(), pkg.Path, t.TempDir(), pkg.Checksum)
		require.NoError(t, err)
		assert.False(t, result.Success)
		require.Len(t, result.VerificationErrors, 1)
		assert.Equal(t, pkg.Checksum, result.VerificationErrors[0].Expected)
	})

	t.Run("entry checksum", func(t *testing.T) {
		result, err := packager.ExtractPackage(context.Background(), pkg.Path, t.TempDir(), "")
		require.NoError(t, err)
		assert.False(t, result.Success)
		require.Len(t, result.VerificationErrors, 1)
		assert.Equal(t, "data/campaigns.json", result.VerificationErrors[0].File)
		assert.NotEqual(t, result.VerificationErrors[0].Expected, result.VerificationErrors[0].Actual)
	})
}

func TestPackager_RequiresManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bare.tar")
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "data/x.json", Mode: 0644, Size: 2, Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte("{}"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0640))

	result, err := fixedPackager(CompressionTypeNone).ExtractPackage(context.Background(), path, t.TempDir(), "")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, ManifestFile, result.VerificationErrors[0].File)
}

func TestPackager_RejectsMissingTenant(t *testing.T) {
	_, err := fixedPackager(CompressionTypeNone).CreatePackage(context.Background(), PackageInput{})
	assert.Equal(t, ErrMissingTenant, err)
}

func TestSafeMemberName(t *testing.T) {
	for name, ok := range map[string]bool{
		"manifest.json":       true,
		"files/a/../b.png":    true,
		"../escape":           false,
		"/etc/passwd":         false,
		"files/../../escape":  false,
		`files\..\..\escape`:  false,
	} {
		_, got := safeMemberName(name)
		assert.Equal(t, ok, got, name)
	}
}

func TestMoveAndFetchStorage(t *testing.T) {
	disk, err := NewLocalDisk("local", &LocalConfig{Root: t.TempDir()})
	require.NoError(t, err)

	local := filepath.Join(t.TempDir(), "a.tar.zst")
	require.NoError(t, os.WriteFile(local, []byte("archive"), 0640))

	require.NoError(t, MoveToStorage(context.Background(), local, disk, "org-1/a.tar.zst"))
	_, err = os.Stat(local)
	assert.True(t, os.IsNotExist(err), "local copy is removed after upload")

	downloaded := filepath.Join(t.TempDir(), "dl", "a.tar.zst")
	n, err := FetchFromStorage(context.Background(), disk, "org-1/a.tar.zst", downloaded)
	require.NoError(t, err)
	assert.Equal(t, int64(len("archive")), n)
}
