package backup

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// StorageProviderType represents the different storage backends a disk can use
type StorageProviderType string

const (
	StorageProviderLocal StorageProviderType = "local"
	StorageProviderS3    StorageProviderType = "s3"
	StorageProviderAzure StorageProviderType = "azure"
	StorageProviderGCS   StorageProviderType = "gcs"
)

// StorageConfig holds every named disk backups can be written to
type StorageConfig struct {
	DefaultDisk string                 `mapstructure:"default_disk" yaml:"default_disk"`
	Disks       map[string]*DiskConfig `mapstructure:"disks" yaml:"disks"`
	Breaker     BreakerConfig          `mapstructure:"breaker" yaml:"breaker"`
}

// DiskConfig configures one named disk
type DiskConfig struct {
	Driver StorageProviderType `mapstructure:"driver" yaml:"driver"`
	Local  *LocalConfig        `mapstructure:"local" yaml:"local,omitempty"`
	S3     *S3Config           `mapstructure:"s3" yaml:"s3,omitempty"`
	Azure  *AzureConfig        `mapstructure:"azure" yaml:"azure,omitempty"`
	GCS    *GCSConfig          `mapstructure:"gcs" yaml:"gcs,omitempty"`
}

// LocalConfig configures a local file system disk
type LocalConfig struct {
	Root        string      `mapstructure:"root" yaml:"root"`
	Permissions os.FileMode `mapstructure:"permissions" yaml:"permissions"`
}

// S3Config configures an Amazon S3 (or S3 compatible) disk
type S3Config struct {
	Bucket         string `mapstructure:"bucket" yaml:"bucket"`
	Region         string `mapstructure:"region" yaml:"region"`
	AccessKey      string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey      string `mapstructure:"secret_key" yaml:"secret_key"`
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Prefix         string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// AzureConfig configures an Azure Blob Storage disk
type AzureConfig struct {
	AccountName   string `mapstructure:"account_name" yaml:"account_name"`
	AccountKey    string `mapstructure:"account_key" yaml:"account_key"`
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
	Prefix        string `mapstructure:"prefix" yaml:"prefix,omitempty"`
}

// GCSConfig configures a Google Cloud Storage disk
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	CredentialsPath string `mapstructure:"credentials_path" yaml:"credentials_path"`
	ProjectID       string `mapstructure:"project_id" yaml:"project_id"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix,omitempty"`
}

// BreakerConfig configures the circuit breaker placed in front of remote disks
type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	FailureThreshold uint32        `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	MaxRequests      uint32        `mapstructure:"max_requests" yaml:"max_requests"`
	Interval         time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// CompressionConfig defines archive compression settings
type CompressionConfig struct {
	Algorithm CompressionType `mapstructure:"algorithm" yaml:"algorithm"`
	Level     int             `mapstructure:"level" yaml:"level"`
}

// Key sources
const (
	KeySourceEnv        = "env"
	KeySourceFile       = "file"
	KeySourcePassphrase = "passphrase"
)

// EncryptionConfig defines how archive keys are resolved
type EncryptionConfig struct {
	DefaultKeyID string `mapstructure:"default_key_id" yaml:"default_key_id"`
	KeySource    string `mapstructure:"key_source" yaml:"key_source"`
	// KeyEnvPrefix is prepended to the upper-cased key id for env and
	// passphrase sources.
	KeyEnvPrefix string `mapstructure:"key_env_prefix" yaml:"key_env_prefix"`
	// KeyDir holds <key id>.key files for the file source.
	KeyDir     string `mapstructure:"key_dir" yaml:"key_dir"`
	ChunkSize  int    `mapstructure:"chunk_size" yaml:"chunk_size"`
	Iterations int    `mapstructure:"iterations" yaml:"iterations"`
}

// ExtractionConfig controls tenant data extraction
type ExtractionConfig struct {
	ChunkSize    int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	Workers      int           `mapstructure:"workers" yaml:"workers"`
	TableTimeout time.Duration `mapstructure:"table_timeout" yaml:"table_timeout"`
}

// FilesConfig controls collection of files referenced by tenant rows
type FilesConfig struct {
	SourceRoot string   `mapstructure:"source_root" yaml:"source_root"`
	Columns    []string `mapstructure:"columns" yaml:"columns"`
	// RatePerSecond limits file copies; zero disables throttling.
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Burst         int     `mapstructure:"burst" yaml:"burst"`
}

// DefaultFileColumns are the column names that carry file references
var DefaultFileColumns = []string{
	"file_path", "file_url", "image_url", "media_url", "attachment",
	"thumbnail", "avatar", "logo", "document", "asset_url",
}

// Validate validates the StorageConfig
func (sc *StorageConfig) Validate() error {
	var errors ValidationErrors

	if len(sc.Disks) == 0 {
		errors.Add("storage.disks", "at least one disk must be configured", nil)
	}
	if sc.DefaultDisk == "" {
		errors.Add("storage.default_disk", "default disk is required", sc.DefaultDisk)
	} else if _, ok := sc.Disks[sc.DefaultDisk]; !ok {
		errors.Add("storage.default_disk", "default disk is not configured", sc.DefaultDisk)
	}

	for _, name := range sc.DiskNames() {
		if err := sc.Disks[name].Validate(); err != nil {
			if validationErrs, ok := err.(ValidationErrors); ok {
				for _, ve := range validationErrs {
					errors.Add(fmt.Sprintf("storage.disks.%s.%s", name, ve.Field), ve.Message, ve.Value)
				}
			} else {
				errors.Add("storage.disks."+name, err.Error(), nil)
			}
		}
	}

	if sc.Breaker.Enabled && sc.Breaker.FailureThreshold == 0 {
		errors.Add("storage.breaker.failure_threshold", "failure threshold must be positive", sc.Breaker.FailureThreshold)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// SetDefaults sets default values for storage configuration
func (sc *StorageConfig) SetDefaults() {
	if sc.Disks == nil {
		sc.Disks = make(map[string]*DiskConfig)
	}
	if len(sc.Disks) == 0 {
		sc.Disks["local"] = &DiskConfig{Driver: StorageProviderLocal}
	}
	if sc.DefaultDisk == "" {
		if _, ok := sc.Disks["local"]; ok {
			sc.DefaultDisk = "local"
		} else {
			sc.DefaultDisk = sc.DiskNames()[0]
		}
	}
	for _, disk := range sc.Disks {
		disk.SetDefaults()
	}
	sc.Breaker.SetDefaults()
}

// LoadFromEnvironment loads storage configuration from environment variables
func (sc *StorageConfig) LoadFromEnvironment() {
	if val := os.Getenv("ORGBACKUP_STORAGE_DEFAULT_DISK"); val != "" {
		sc.DefaultDisk = val
	}
	for name, disk := range sc.Disks {
		disk.LoadFromEnvironment(name)
	}
}

// DiskNames returns the configured disk names, sorted
func (sc *StorageConfig) DiskNames() []string {
	names := make([]string, 0, len(sc.Disks))
	for name := range sc.Disks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate validates a DiskConfig
func (dc *DiskConfig) Validate() error {
	var errors ValidationErrors

	switch dc.Driver {
	case StorageProviderLocal:
		if dc.Local == nil || dc.Local.Root == "" {
			errors.Add("local.root", "root path is required for local disks", nil)
		}
	case StorageProviderS3:
		if dc.S3 == nil || dc.S3.Bucket == "" {
			errors.Add("s3.bucket", "bucket is required for s3 disks", nil)
		} else if dc.S3.Region == "" {
			errors.Add("s3.region", "region is required for s3 disks", nil)
		}
	case StorageProviderAzure:
		if dc.Azure == nil {
			errors.Add("azure", "azure configuration is required for azure disks", nil)
			break
		}
		if dc.Azure.AccountName == "" {
			errors.Add("azure.account_name", "account name is required", nil)
		}
		if dc.Azure.AccountKey == "" {
			errors.Add("azure.account_key", "account key is required", nil)
		}
		if dc.Azure.ContainerName == "" {
			errors.Add("azure.container_name", "container name is required", nil)
		}
	case StorageProviderGCS:
		if dc.GCS == nil || dc.GCS.Bucket == "" {
			errors.Add("gcs.bucket", "bucket is required for gcs disks", nil)
		}
	default:
		errors.Add("driver", "driver must be one of local, s3, azure, gcs", dc.Driver)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// SetDefaults fills in driver specific defaults
func (dc *DiskConfig) SetDefaults() {
	if dc.Driver == "" {
		dc.Driver = StorageProviderLocal
	}
	dc.Driver = StorageProviderType(strings.ToLower(string(dc.Driver)))

	switch dc.Driver {
	case StorageProviderLocal:
		if dc.Local == nil {
			dc.Local = &LocalConfig{}
		}
		if dc.Local.Root == "" {
			dc.Local.Root = "./storage/backups"
		}
		if dc.Local.Permissions == 0 {
			dc.Local.Permissions = 0750
		}
	case StorageProviderS3:
		if dc.S3 == nil {
			dc.S3 = &S3Config{}
		}
		if dc.S3.Region == "" {
			dc.S3.Region = "us-east-1"
		}
	case StorageProviderAzure:
		if dc.Azure == nil {
			dc.Azure = &AzureConfig{}
		}
	case StorageProviderGCS:
		if dc.GCS == nil {
			dc.GCS = &GCSConfig{}
		}
		if dc.GCS.CredentialsPath == "" {
			dc.GCS.CredentialsPath = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
		}
	}
}

// LoadFromEnvironment loads secrets of a named disk from
// ORGBACKUP_DISK_<NAME>_* variables
func (dc *DiskConfig) LoadFromEnvironment(name string) {
	prefix := "ORGBACKUP_DISK_" + strings.ToUpper(name) + "_"

	switch dc.Driver {
	case StorageProviderLocal:
		if dc.Local == nil {
			dc.Local = &LocalConfig{}
		}
		if val := os.Getenv(prefix + "ROOT"); val != "" {
			dc.Local.Root = val
		}
		if val := os.Getenv(prefix + "PERMISSIONS"); val != "" {
			if parsed, err := strconv.ParseUint(val, 8, 32); err == nil {
				dc.Local.Permissions = os.FileMode(parsed)
			}
		}
	case StorageProviderS3:
		if dc.S3 == nil {
			dc.S3 = &S3Config{}
		}
		if val := os.Getenv(prefix + "ACCESS_KEY"); val != "" {
			dc.S3.AccessKey = val
		}
		if val := os.Getenv(prefix + "SECRET_KEY"); val != "" {
			dc.S3.SecretKey = val
		}
		if val := os.Getenv(prefix + "BUCKET"); val != "" {
			dc.S3.Bucket = val
		}
	case StorageProviderAzure:
		if dc.Azure == nil {
			dc.Azure = &AzureConfig{}
		}
		if val := os.Getenv(prefix + "ACCOUNT_NAME"); val != "" {
			dc.Azure.AccountName = val
		}
		if val := os.Getenv(prefix + "ACCOUNT_KEY"); val != "" {
			dc.Azure.AccountKey = val
		}
	case StorageProviderGCS:
		if dc.GCS == nil {
			dc.GCS = &GCSConfig{}
		}
		if val := os.Getenv(prefix + "CREDENTIALS_PATH"); val != "" {
			dc.GCS.CredentialsPath = val
		}
	}
}

// SetDefaults sets default values for the breaker
func (bc *BreakerConfig) SetDefaults() {
	if bc.FailureThreshold == 0 {
		bc.FailureThreshold = 5
	}
	if bc.MaxRequests == 0 {
		bc.MaxRequests = 1
	}
	if bc.Interval == 0 {
		bc.Interval = time.Minute
	}
	if bc.Timeout == 0 {
		bc.Timeout = 30 * time.Second
	}
}

// Validate validates the CompressionConfig
func (cc *CompressionConfig) Validate() error {
	var errors ValidationErrors

	switch cc.Algorithm {
	case CompressionTypeNone, CompressionTypeGzip, CompressionTypeLZ4, CompressionTypeZstd:
	default:
		errors.Add("packaging.compression.algorithm", "algorithm must be one of none, gzip, lz4, zstd", cc.Algorithm)
	}
	if cc.Level < 0 || cc.Level > 9 {
		errors.Add("packaging.compression.level", "level must be between 0 and 9", cc.Level)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// SetDefaults sets default values for compression configuration
func (cc *CompressionConfig) SetDefaults() {
	if cc.Algorithm == "" {
		cc.Algorithm = CompressionTypeZstd
	}
}

// LoadFromEnvironment loads compression configuration from environment variables
func (cc *CompressionConfig) LoadFromEnvironment() {
	if val := os.Getenv("ORGBACKUP_COMPRESSION_ALGORITHM"); val != "" {
		cc.Algorithm = CompressionType(strings.ToLower(val))
	}
	if val := os.Getenv("ORGBACKUP_COMPRESSION_LEVEL"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			cc.Level = parsed
		}
	}
}

// Validate validates the EncryptionConfig
func (ec *EncryptionConfig) Validate() error {
	var errors ValidationErrors

	switch ec.KeySource {
	case KeySourceEnv, KeySourcePassphrase:
		if ec.KeyEnvPrefix == "" {
			errors.Add("encryption.key_env_prefix", "key environment prefix is required for env and passphrase sources", ec.KeyEnvPrefix)
		}
	case KeySourceFile:
		if ec.KeyDir == "" {
			errors.Add("encryption.key_dir", "key directory is required for the file source", ec.KeyDir)
		}
	default:
		errors.Add("encryption.key_source", "invalid key source, must be 'env', 'file', or 'passphrase'", ec.KeySource)
	}

	if ec.ChunkSize < 1024 {
		errors.Add("encryption.chunk_size", "chunk size must be at least 1024 bytes", ec.ChunkSize)
	}
	if ec.KeySource == KeySourcePassphrase && ec.Iterations < 10000 {
		errors.Add("encryption.iterations", "passphrase iterations must be at least 10000", ec.Iterations)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// SetDefaults sets default values for encryption configuration
func (ec *EncryptionConfig) SetDefaults() {
	if ec.KeySource == "" {
		ec.KeySource = KeySourceEnv
	}
	if ec.KeyEnvPrefix == "" {
		ec.KeyEnvPrefix = "ORGBACKUP_KEY_"
	}
	if ec.DefaultKeyID == "" {
		ec.DefaultKeyID = "default"
	}
	if ec.ChunkSize == 0 {
		ec.ChunkSize = DefaultEncryptionChunkSize
	}
	if ec.Iterations == 0 {
		ec.Iterations = DefaultKeyDerivationIterations
	}
}

// LoadFromEnvironment loads encryption configuration from environment variables
func (ec *EncryptionConfig) LoadFromEnvironment() {
	if val := os.Getenv("ORGBACKUP_ENCRYPTION_KEY_SOURCE"); val != "" {
		ec.KeySource = strings.ToLower(val)
	}
	if val := os.Getenv("ORGBACKUP_ENCRYPTION_KEY_DIR"); val != "" {
		ec.KeyDir = val
	}
	if val := os.Getenv("ORGBACKUP_ENCRYPTION_DEFAULT_KEY_ID"); val != "" {
		ec.DefaultKeyID = val
	}
}

// Validate validates the ExtractionConfig
func (ec *ExtractionConfig) Validate() error {
	var errors ValidationErrors

	if ec.ChunkSize <= 0 {
		errors.Add("extraction.chunk_size", "chunk size must be positive", ec.ChunkSize)
	}
	if ec.Workers <= 0 {
		errors.Add("extraction.workers", "worker count must be positive", ec.Workers)
	}
	if ec.TableTimeout <= 0 {
		errors.Add("extraction.table_timeout", "table timeout must be positive", ec.TableTimeout)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// SetDefaults sets default values for extraction configuration
func (ec *ExtractionConfig) SetDefaults() {
	if ec.ChunkSize == 0 {
		ec.ChunkSize = 1000
	}
	if ec.Workers == 0 {
		ec.Workers = 4
	}
	if ec.TableTimeout == 0 {
		ec.TableTimeout = 5 * time.Minute
	}
}

// LoadFromEnvironment loads extraction configuration from environment variables
func (ec *ExtractionConfig) LoadFromEnvironment() {
	if val := os.Getenv("ORGBACKUP_EXTRACTION_WORKERS"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			ec.Workers = parsed
		}
	}
	if val := os.Getenv("ORGBACKUP_EXTRACTION_CHUNK_SIZE"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			ec.ChunkSize = parsed
		}
	}
}

// Validate validates the FilesConfig
func (fc *FilesConfig) Validate() error {
	var errors ValidationErrors

	if fc.RatePerSecond < 0 {
		errors.Add("files.rate_per_second", "rate cannot be negative", fc.RatePerSecond)
	}
	if fc.RatePerSecond > 0 && fc.Burst <= 0 {
		errors.Add("files.burst", "burst must be positive when a rate is set", fc.Burst)
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// SetDefaults sets default values for file collection
func (fc *FilesConfig) SetDefaults() {
	if fc.SourceRoot == "" {
		fc.SourceRoot = "./storage/app"
	}
	if len(fc.Columns) == 0 {
		fc.Columns = append([]string(nil), DefaultFileColumns...)
	}
	if fc.RatePerSecond > 0 && fc.Burst == 0 {
		fc.Burst = 1
	}
}

// LoadFromEnvironment loads file collection settings from environment variables
func (fc *FilesConfig) LoadFromEnvironment() {
	if val := os.Getenv("ORGBACKUP_FILES_SOURCE_ROOT"); val != "" {
		fc.SourceRoot = val
	}
}
