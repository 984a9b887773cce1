package backup

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"org-backup-engine/internal/logging"
	"org-backup-engine/internal/schema"

	"github.com/goccy/go-json"
)

// Archive layout constants
const (
	ManifestFormat  = "org-backup"
	ManifestVersion = 1
	ManifestFile    = "manifest.json"
	dataDir         = "data"
	filesDir        = "files"
)

var archiveEpoch = time.Unix(0, 0).UTC()

// Manifest describes the content of a backup archive
type Manifest struct {
	Format          string                       `json:"format"`
	Version         int                          `json:"version"`
	BackupID        string                       `json:"backup_id"`
	BackupCode      string                       `json:"backup_code"`
	OrgID           string                       `json:"org_id"`
	Driver          string                       `json:"driver"`
	TenantColumn    string                       `json:"tenant_column"`
	TimestampColumn string                       `json:"timestamp_column"`
	Compression     CompressionType              `json:"compression"`
	CreatedAt       time.Time                    `json:"created_at"`
	ExportedAt      time.Time                    `json:"exported_at"`
	Categories      map[string]*ManifestCategory `json:"categories"`
	Files           []CollectedFile              `json:"files"`
	MissingFiles    []string                     `json:"missing_files,omitempty"`
	SkippedTables   []TableError                 `json:"skipped_tables,omitempty"`
	RestoreOrder    []string                     `json:"restore_order"`
	Deferred        map[string][]string          `json:"deferred,omitempty"`
	Schema          *schema.Snapshot             `json:"schema"`
	TotalRecords    int64                        `json:"total_records"`
	TotalFiles      int                          `json:"total_files"`
	TotalFileSize   int64                        `json:"total_file_size"`
	Entries         []ManifestEntry              `json:"entries"`
}

// ManifestCategory lists the tables of one category and their row counts
type ManifestCategory struct {
	DataFile string           `json:"data_file"`
	Records  int64            `json:"records"`
	Tables   map[string]int64 `json:"tables"`
}

// ManifestEntry is the checksum of one archive member
type ManifestEntry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// CategoryNames returns the sorted category names of the manifest
func (m *Manifest) CategoryNames() []string {
	names := make([]string, 0, len(m.Categories))
	for name := range m.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TablesIn returns the tables of the given categories in restore order. An
// empty filter selects every category.
func (m *Manifest) TablesIn(categories []string) []string {
	wanted := make(map[string]bool)
	for name, cat := range m.Categories {
		if len(categories) > 0 && !contains(categories, name) {
			continue
		}
		for table := range cat.Tables {
			wanted[table] = true
		}
	}

	var tables []string
	for _, table := range m.RestoreOrder {
		if wanted[table] {
			tables = append(tables, table)
		}
	}
	return tables
}

// CategoryOf returns the category holding table
func (m *Manifest) CategoryOf(table string) string {
	for name, cat := range m.Categories {
		if _, ok := cat.Tables[table]; ok {
			return name
		}
	}
	return ""
}

// PackageInput is everything that goes into one archive
type PackageInput struct {
	BackupID        string
	BackupCode      string
	Org             OrgID
	Extraction      *ExtractionResult
	Files           *CollectResult
	Snapshot        *schema.Snapshot
	Plan            *schema.Plan
	TimestampColumn string
	OutputDir       string
}

// PackageResult describes a written archive
type PackageResult struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Checksum string    `json:"checksum"`
	Manifest *Manifest `json:"manifest"`
}

// VerificationError reports an archive member whose checksum did not match
type VerificationError struct {
	File     string `json:"file"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Message  string `json:"message"`
}

// ExtractResult describes an unpacked archive
type ExtractResult struct {
	Success            bool                `json:"success"`
	VerificationErrors []VerificationError `json:"verification_errors,omitempty"`
	Manifest           *Manifest           `json:"manifest,omitempty"`
	Dir                string              `json:"dir"`
}

// Packager writes and reads backup archives
type Packager struct {
	compression CompressionConfig
	logger      *logging.Logger
	now         func() time.Time
}

// NewPackager creates a packager using the given compression settings
func NewPackager(compression CompressionConfig, logger *logging.Logger) *Packager {
	compression.SetDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Packager{compression: compression, logger: logger, now: time.Now}
}

// ArchiveName returns the archive file name of a backup
func ArchiveName(code string, compression CompressionType) string {
	return code + ".tar" + compression.Extension()
}

type archiveMember struct {
	name   string
	data   []byte
	source string
	size   int64
	sha    string
}

// CreatePackage writes a compressed tar archive holding the manifest, one
// data file per category and the collected files. Members are written in
// sorted order with normalized headers so equal input gives equal bytes.
func (p *Packager) CreatePackage(ctx context.Context, input PackageInput) (*PackageResult, error) {
	if input.Org.IsZero() {
		return nil, ErrMissingTenant
	}
	if input.Extraction == nil || input.Snapshot == nil {
		return nil, NewValidationError("extraction result and schema snapshot are required", nil)
	}

	manifest := &Manifest{
		Format:          ManifestFormat,
		Version:         ManifestVersion,
		BackupID:        input.BackupID,
		BackupCode:      input.BackupCode,
		OrgID:           input.Org.String(),
		Driver:          input.Snapshot.Driver,
		TenantColumn:    input.Snapshot.TenantColumn,
		TimestampColumn: input.TimestampColumn,
		Compression:     p.compression.Algorithm,
		CreatedAt:       p.now().UTC(),
		ExportedAt:      input.Extraction.ExportedAt,
		Categories:      make(map[string]*ManifestCategory),
		Schema:          input.Snapshot,
		TotalRecords:    input.Extraction.TotalRecords,
		SkippedTables:   input.Extraction.Skipped,
	}
	if input.Plan != nil {
		manifest.RestoreOrder = input.Plan.Order
		manifest.Deferred = input.Plan.Deferred
	}

	var members []archiveMember
	for category, tables := range input.Extraction.Categories {
		data, err := json.Marshal(tables)
		if err != nil {
			return nil, NewStorageError(fmt.Sprintf("failed to encode %s data", category), err)
		}
		name := path.Join(dataDir, category+".json")
		members = append(members, memberFromBytes(name, data))

		counts := input.Extraction.Counts[category]
		var records int64
		for _, n := range counts {
			records += n
		}
		manifest.Categories[category] = &ManifestCategory{DataFile: name, Records: records, Tables: counts}
	}

	if input.Files != nil {
		manifest.Files = input.Files.Files
		manifest.MissingFiles = input.Files.Missing
		manifest.TotalFiles = len(input.Files.Files)
		manifest.TotalFileSize = input.Files.TotalSize
		for _, f := range input.Files.Files {
			members = append(members, archiveMember{
				name:   path.Join(filesDir, f.Path),
				source: filepath.Join(input.Files.RunDir, filesDir, filepath.FromSlash(f.Path)),
				size:   f.Size,
				sha:    f.SHA256,
			})
		}
	}

	sort.Slice(members, func(i, j int) bool { return members[i].name < members[j].name })
	for _, m := range members {
		manifest.Entries = append(manifest.Entries, ManifestEntry{Path: m.name, Size: m.size, SHA256: m.sha})
	}

	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, NewStorageError("failed to encode manifest", err)
	}
	members = append(members, memberFromBytes(ManifestFile, manifestData))

	if err := os.MkdirAll(input.OutputDir, 0750); err != nil {
		return nil, NewStorageError("failed to create output directory", err)
	}
	archivePath := filepath.Join(input.OutputDir, ArchiveName(input.BackupCode, p.compression.Algorithm))

	hash := sha256.New()
	size, err := writeFileAtomic(archivePath, func(w io.Writer) error {
		return p.writeArchive(ctx, io.MultiWriter(w, hash), members)
	})
	if err != nil {
		return nil, err
	}

	p.logger.WithFields(map[string]interface{}{
		"operation": "create_package",
		"backup_id": input.BackupID,
		"entries":   len(members),
		"size":      size,
	}).Debug("Backup package created")

	return &PackageResult{
		Path:     archivePath,
		Size:     size,
		Checksum: hex.EncodeToString(hash.Sum(nil)),
		Manifest: manifest,
	}, nil
}

func memberFromBytes(name string, data []byte) archiveMember {
	sum := sha256.Sum256(data)
	return archiveMember{name: name, data: data, size: int64(len(data)), sha: hex.EncodeToString(sum[:])}
}

func (p *Packager) writeArchive(ctx context.Context, w io.Writer, members []archiveMember) error {
	cw, err := NewCompressWriter(w, p.compression.Algorithm, p.compression.Level)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(cw)

	for _, m := range members {
		if err := ctx.Err(); err != nil {
			return err
		}
		header := &tar.Header{
			Name:     m.name,
			Mode:     0644,
			Size:     m.size,
			ModTime:  archiveEpoch,
			Typeflag: tar.TypeReg,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(header); err != nil {
			return NewStorageError("failed to write archive header", err).WithContext("entry", m.name)
		}
		if err := writeMember(ctx, tw, m); err != nil {
			return NewStorageError("failed to write archive entry", err).WithContext("entry", m.name)
		}
	}

	if err := tw.Close(); err != nil {
		return NewStorageError("failed to finish archive", err)
	}
	if err := cw.Close(); err != nil {
		return NewCompressionError("failed to finish compression", err)
	}
	return nil
}

func writeMember(ctx context.Context, w io.Writer, m archiveMember) error {
	if m.source == "" {
		_, err := w.Write(m.data)
		return err
	}
	f, err := os.Open(m.source)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := io.Copy(w, &contextReader{ctx: ctx, r: f})
	if err != nil {
		return err
	}
	if n != m.size {
		return fmt.Errorf("staged file %s changed size during packaging", m.name)
	}
	return nil
}

// ExtractPackage unpacks an archive into destDir and verifies it. The
// archive checksum is checked first when expectedChecksum is set; then every
// manifest entry is checked against the unpacked content. Verification
// problems are reported in the result, not as an error.
func (p *Packager) ExtractPackage(ctx context.Context, archivePath, destDir, expectedChecksum string) (*ExtractResult, error) {
	result := &ExtractResult{Dir: destDir}

	if expectedChecksum != "" {
		actual, err := fileChecksum(archivePath)
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(actual, expectedChecksum) {
			result.VerificationErrors = append(result.VerificationErrors, VerificationError{
				File:     filepath.Base(archivePath),
				Expected: expectedChecksum,
				Actual:   actual,
				Message:  "archive checksum mismatch",
			})
			return result, nil
		}
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return nil, NewStorageError("failed to open archive", err).WithContext("path", archivePath)
	}
	defer f.Close()

	r, _, err := NewAutoDecompressReader(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, 0750); err != nil {
		return nil, NewStorageError("failed to create extraction directory", err)
	}

	actual := make(map[string]ManifestEntry)
	var manifestData []byte
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, NewCorruptionError("failed to read archive", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name, ok := safeMemberName(header.Name)
		if !ok {
			result.VerificationErrors = append(result.VerificationErrors, VerificationError{
				File:    header.Name,
				Message: "entry path escapes the archive root",
			})
			continue
		}

		entry, data, err := extractMember(ctx, tr, destDir, name, name == ManifestFile)
		if err != nil {
			return nil, err
		}
		if name == ManifestFile {
			manifestData = data
		}
		actual[name] = entry
	}

	if manifestData == nil {
		result.VerificationErrors = append(result.VerificationErrors, VerificationError{
			File:    ManifestFile,
			Message: "manifest is missing",
		})
		return result, nil
	}

	manifest := &Manifest{}
	if err := json.Unmarshal(manifestData, manifest); err != nil {
		return nil, NewCorruptionError("manifest is not valid JSON", err)
	}
	if manifest.Format != ManifestFormat || manifest.Version != ManifestVersion {
		return nil, NewCompatibilityError(fmt.Sprintf("unsupported archive format %s v%d", manifest.Format, manifest.Version), nil)
	}
	result.Manifest = manifest

	for _, expected := range manifest.Entries {
		got, ok := actual[expected.Path]
		if !ok {
			result.VerificationErrors = append(result.VerificationErrors, VerificationError{
				File:     expected.Path,
				Expected: expected.SHA256,
				Message:  "entry is missing from archive",
			})
			continue
		}
		if got.SHA256 != expected.SHA256 || got.Size != expected.Size {
			result.VerificationErrors = append(result.VerificationErrors, VerificationError{
				File:     expected.Path,
				Expected: expected.SHA256,
				Actual:   got.SHA256,
				Message:  "checksum mismatch",
			})
		}
	}

	result.Success = len(result.VerificationErrors) == 0
	return result, nil
}

func extractMember(ctx context.Context, r io.Reader, destDir, name string, keep bool) (ManifestEntry, []byte, error) {
	target := filepath.Join(destDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return ManifestEntry{}, nil, NewStorageError("failed to create directory", err)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return ManifestEntry{}, nil, NewStorageError("failed to create file", err).WithContext("entry", name)
	}
	defer out.Close()

	hash := sha256.New()
	writers := []io.Writer{out, hash}
	var kept bytes.Buffer
	if keep {
		writers = append(writers, &kept)
	}

	size, err := io.Copy(io.MultiWriter(writers...), &contextReader{ctx: ctx, r: r})
	if err != nil {
		return ManifestEntry{}, nil, NewCorruptionError("failed to read archive entry", err).WithContext("entry", name)
	}

	entry := ManifestEntry{Path: name, Size: size, SHA256: hex.EncodeToString(hash.Sum(nil))}
	if keep {
		return entry, kept.Bytes(), nil
	}
	return entry, nil, nil
}

// safeMemberName rejects absolute paths and paths leaving the archive root
func safeMemberName(name string) (string, bool) {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, `\`) {
		return "", false
	}
	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}

// LoadCategoryData reads the rows of one category from an extracted archive.
// Numbers are decoded as json.Number so large ids keep their precision.
func LoadCategoryData(dir string, manifest *Manifest, category string) (map[string][]Row, error) {
	cat, ok := manifest.Categories[category]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("category %s is not in the backup", category), nil)
	}

	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(cat.DataFile)))
	if err != nil {
		return nil, NewStorageError("failed to open category data", err).WithContext("category", category)
	}
	defer f.Close()

	var data map[string][]Row
	decoder := json.NewDecoder(bufio.NewReader(f))
	decoder.UseNumber()
	if err := decoder.Decode(&data); err != nil {
		return nil, NewCorruptionError("failed to decode category data", err).WithContext("category", category)
	}
	return data, nil
}

// MoveToStorage uploads a local file to disk and removes the local copy
// once the upload has committed
func MoveToStorage(ctx context.Context, localPath string, disk Disk, target string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return NewStorageError("failed to open file for upload", err).WithContext("path", localPath)
	}

	if err := disk.Put(ctx, target, f); err != nil {
		f.Close()
		return err
	}
	f.Close()

	if err := os.Remove(localPath); err != nil {
		return NewStorageError("failed to remove local copy", err).WithContext("path", localPath)
	}
	return nil
}

// FetchFromStorage downloads path from disk into localPath
func FetchFromStorage(ctx context.Context, disk Disk, path, localPath string) (int64, error) {
	r, err := disk.Get(ctx, path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0750); err != nil {
		return 0, NewStorageError("failed to create download directory", err)
	}
	return writeFileAtomic(localPath, func(w io.Writer) error {
		if _, err := io.Copy(w, &contextReader{ctx: ctx, r: r}); err != nil {
			return NewStorageError("failed to download archive", err).WithContext("path", path)
		}
		return nil
	})
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", NewStorageError("failed to open archive", err).WithContext("path", path)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", NewStorageError("failed to read archive", err).WithContext("path", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
