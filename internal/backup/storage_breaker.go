package backup

import (
	"context"
	"io"

	"org-backup-engine/internal/logging"

	"github.com/sony/gobreaker/v2"
)

// BreakerDisk guards a remote disk with a circuit breaker so a failing
// object store fails jobs fast instead of holding them for every timeout.
type BreakerDisk struct {
	disk Disk
	cb   *gobreaker.CircuitBreaker[interface{}]
}

// NewBreakerDisk wraps disk with a circuit breaker
func NewBreakerDisk(disk Disk, config BreakerConfig, logger *logging.Logger) *BreakerDisk {
	threshold := config.FailureThreshold
	settings := gobreaker.Settings{
		Name:        "disk-" + disk.Name(),
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.WithFields(map[string]interface{}{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("Storage circuit breaker state changed")
			}
		},
		// a missing object says nothing about the health of the store
		IsExcluded: func(err error) bool {
			return ErrorType(err) == BackupErrorTypeNotFound
		},
	}

	return &BreakerDisk{disk: disk, cb: gobreaker.NewCircuitBreaker[interface{}](settings)}
}

// Name returns the wrapped disk name
func (d *BreakerDisk) Name() string {
	return d.disk.Name()
}

// State returns the breaker state
func (d *BreakerDisk) State() gobreaker.State {
	return d.cb.State()
}

func (d *BreakerDisk) Put(ctx context.Context, path string, r io.Reader) error {
	_, err := d.cb.Execute(func() (interface{}, error) {
		return nil, d.disk.Put(ctx, path, r)
	})
	return d.wrap(err)
}

func (d *BreakerDisk) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := d.cb.Execute(func() (interface{}, error) {
		return d.disk.Get(ctx, path)
	})
	if err != nil {
		return nil, d.wrap(err)
	}
	return out.(io.ReadCloser), nil
}

func (d *BreakerDisk) Delete(ctx context.Context, path string) error {
	_, err := d.cb.Execute(func() (interface{}, error) {
		return nil, d.disk.Delete(ctx, path)
	})
	return d.wrap(err)
}

func (d *BreakerDisk) Exists(ctx context.Context, path string) (bool, error) {
	out, err := d.cb.Execute(func() (interface{}, error) {
		return d.disk.Exists(ctx, path)
	})
	if err != nil {
		return false, d.wrap(err)
	}
	return out.(bool), nil
}

func (d *BreakerDisk) List(ctx context.Context, prefix string) ([]FileInfo, error) {
	out, err := d.cb.Execute(func() (interface{}, error) {
		return d.disk.List(ctx, prefix)
	})
	if err != nil {
		return nil, d.wrap(err)
	}
	return out.([]FileInfo), nil
}

func (d *BreakerDisk) wrap(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return NewStorageError("disk "+d.disk.Name()+" is unavailable", err)
	}
	return err
}
