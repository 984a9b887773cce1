package backup

import (
	"context"
	"fmt"
	"sync"

	"org-backup-engine/internal/logging"
)

// DiskManager creates disks from configuration on first use and caches them
type DiskManager struct {
	config StorageConfig
	logger *logging.Logger

	mu    sync.Mutex
	disks map[string]Disk
}

// NewDiskManager creates a disk manager for the given storage configuration
func NewDiskManager(config StorageConfig, logger *logging.Logger) (*DiskManager, error) {
	if err := config.Validate(); err != nil {
		return nil, NewConfigurationError("invalid storage configuration", err)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &DiskManager{config: config, logger: logger, disks: make(map[string]Disk)}, nil
}

// Register makes disk available under its name, replacing any configured disk
func (m *DiskManager) Register(disk Disk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disks[disk.Name()] = disk
}

// DefaultDisk returns the name of the default disk
func (m *DiskManager) DefaultDisk() string {
	return m.config.DefaultDisk
}

// Names returns every configured or registered disk name
func (m *DiskManager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	names := m.config.DiskNames()
	for _, n := range names {
		seen[n] = true
	}
	for n := range m.disks {
		if !seen[n] {
			names = append(names, n)
		}
	}
	return names
}

// Disk returns the disk registered under name; empty selects the default
func (m *DiskManager) Disk(name string) (Disk, error) {
	if name == "" {
		name = m.config.DefaultDisk
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if disk, ok := m.disks[name]; ok {
		return disk, nil
	}

	config, ok := m.config.Disks[name]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("disk %q is not configured", name), nil)
	}

	disk, err := m.create(context.Background(), name, config)
	if err != nil {
		return nil, err
	}
	if config.Driver != StorageProviderLocal && m.config.Breaker.Enabled {
		disk = NewBreakerDisk(disk, m.config.Breaker, m.logger)
	}

	m.disks[name] = disk
	m.logger.WithFields(map[string]interface{}{
		"disk":   name,
		"driver": config.Driver,
	}).Debug("Storage disk initialized")
	return disk, nil
}

func (m *DiskManager) create(ctx context.Context, name string, config *DiskConfig) (Disk, error) {
	switch config.Driver {
	case StorageProviderLocal:
		return NewLocalDisk(name, config.Local)
	case StorageProviderS3:
		return NewS3Disk(name, config.S3)
	case StorageProviderAzure:
		return NewAzureDisk(name, config.Azure)
	case StorageProviderGCS:
		return NewGCSDisk(ctx, name, config.GCS)
	default:
		return nil, NewValidationError(fmt.Sprintf("unsupported storage driver: %s", config.Driver), nil)
	}
}
