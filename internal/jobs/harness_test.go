package jobs

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"org-backup-engine/internal/backup"
	"org-backup-engine/internal/database"
	"org-backup-engine/internal/logging"
	"org-backup-engine/internal/metrics"
	"org-backup-engine/internal/notify"
	"org-backup-engine/internal/queue"
	"org-backup-engine/internal/store"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

var tenantSchema = []string{
	`CREATE TABLE campaigns (id INTEGER PRIMARY KEY, org_id TEXT NOT NULL, name TEXT, image_url TEXT, updated_at TEXT)`,
	`CREATE TABLE ad_sets (id INTEGER PRIMARY KEY, org_id TEXT NOT NULL, campaign_id INTEGER REFERENCES campaigns(id), name TEXT, updated_at TEXT)`,
	`CREATE TABLE audience_segments (id INTEGER PRIMARY KEY, org_id TEXT NOT NULL, name TEXT, updated_at TEXT)`,
}

var tenantSeed = []string{
	`INSERT INTO campaigns VALUES (1, 'org-1', 'Spring launch', 'campaigns/1.png', '2024-03-01 10:00:00')`,
	`INSERT INTO campaigns VALUES (2, 'org-1', 'Summer sale', NULL, '2024-03-02 10:00:00')`,
	`INSERT INTO campaigns VALUES (3, 'org-2', 'Other tenant', NULL, '2024-03-03 10:00:00')`,
	`INSERT INTO ad_sets VALUES (10, 'org-1', 1, 'Prospecting', '2024-03-01 11:00:00')`,
	`INSERT INTO ad_sets VALUES (11, 'org-2', 3, 'Retargeting', '2024-03-03 11:00:00')`,
	`INSERT INTO audience_segments VALUES (20, 'org-1', 'Lookalikes', '2024-03-01 12:00:00')`,
}

const testKeyID = "primary"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, notification notify.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
}

func (n *recordingNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]notify.Kind, 0, len(n.sent))
	for _, s := range n.sent {
		kinds = append(kinds, s.Kind)
	}
	return kinds
}

type dispatched struct {
	kind     queue.Kind
	recordID string
}

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []dispatched
}

func (d *recordingDispatcher) Dispatch(_ context.Context, kind queue.Kind, recordID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, dispatched{kind: kind, recordID: recordID})
	return nil
}

type harness struct {
	runner     *Runner
	store      *store.Store
	db         *sql.DB
	disks      *backup.DiskManager
	diskRoot   string
	sourceRoot string
	clock      *testClock
	notifier   *recordingNotifier
	metrics    *metrics.Recorder
}

type harnessOption func(*Dependencies, *Config)

func withDispatcher(d Dispatcher) harnessOption {
	return func(deps *Dependencies, _ *Config) { deps.Dispatcher = d }
}

func withKeys(keys backup.KeyResolver) harnessOption {
	return func(deps *Dependencies, _ *Config) { deps.Keys = keys }
}

func withConfig(fn func(*Config)) harnessOption {
	return func(_ *Dependencies, config *Config) { fn(config) }
}

func withDisks(wrap func(Disks) Disks) harnessOption {
	return func(deps *Dependencies, _ *Config) { deps.Disks = wrap(deps.Disks) }
}

// hookedDisks runs beforeDelete ahead of every file delete
type hookedDisks struct {
	Disks
	beforeDelete func(path string)
}

func (d *hookedDisks) Disk(name string) (backup.Disk, error) {
	disk, err := d.Disks.Disk(name)
	if err != nil {
		return nil, err
	}
	return hookedDisk{Disk: disk, hooks: d}, nil
}

type hookedDisk struct {
	backup.Disk
	hooks *hookedDisks
}

func (d hookedDisk) Delete(ctx context.Context, path string) error {
	if d.hooks.beforeDelete != nil {
		d.hooks.beforeDelete(path)
	}
	return d.Disk.Delete(ctx, path)
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	root := t.TempDir()

	db, err := sql.Open("sqlite", "file:"+filepath.Join(root, "app.db")+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	dialect := database.DialectFor(database.DriverSQLite)
	require.NoError(t, database.RunMigrations(context.Background(), db, dialect))
	for _, stmt := range append(append([]string{}, tenantSchema...), tenantSeed...) {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	h := &harness{
		db:         db,
		store:      store.New(db, dialect),
		diskRoot:   filepath.Join(root, "disk"),
		sourceRoot: filepath.Join(root, "app"),
		clock:      &testClock{now: time.Now().UTC().Truncate(time.Second)},
		notifier:   &recordingNotifier{},
		metrics:    metrics.NewRecorder(),
	}
	h.writeSourceFile(t, "campaigns/1.png", "png-bytes")

	storage := backup.StorageConfig{
		DefaultDisk: "local",
		Disks: map[string]*backup.DiskConfig{
			"local": {Driver: backup.StorageProviderLocal, Local: &backup.LocalConfig{Root: h.diskRoot}},
		},
	}
	h.disks, err = backup.NewDiskManager(storage, logging.NewNopLogger())
	require.NoError(t, err)

	key, err := backup.GenerateKey()
	require.NoError(t, err)

	deps := Dependencies{
		DB:           db,
		Dialect:      dialect,
		Store:        h.store,
		Disks:        h.disks,
		Keys:         backup.StaticKeyResolver{testKeyID: key},
		Files:        backup.FilesConfig{SourceRoot: h.sourceRoot},
		DefaultKeyID: testKeyID,
		Notifier:     h.notifier,
		Metrics:      h.metrics,
		Logger:       logging.NewNopLogger(),
		Now:          h.clock.Now,
	}
	config := Config{StagingDir: filepath.Join(root, "staging")}
	for _, opt := range opts {
		opt(&deps, &config)
	}

	h.runner, err = NewRunner(deps, config)
	require.NoError(t, err)
	return h
}

func (h *harness) writeSourceFile(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(h.sourceRoot, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0640))
}

func (h *harness) backup(t *testing.T, id string) *backup.Backup {
	t.Helper()
	b, err := h.store.Backups.Get(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (h *harness) count(t *testing.T, query string, args ...interface{}) int {
	t.Helper()
	var n int
	require.NoError(t, h.db.QueryRow(query, args...).Scan(&n))
	return n
}

func (h *harness) exec(t *testing.T, statements ...string) {
	t.Helper()
	for _, stmt := range statements {
		_, err := h.db.Exec(stmt)
		require.NoError(t, err)
	}
}

func (h *harness) storedFile(b *backup.Backup) string {
	return filepath.Join(h.diskRoot, filepath.FromSlash(b.FilePath))
}

func (h *harness) auditActions(t *testing.T, entityType, entityID string) []string {
	t.Helper()
	entries, err := h.store.Audit.ListForEntity(context.Background(), entityType, entityID)
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

// createBackup runs a manual backup of org-1 inline and returns the stored
// record
func (h *harness) createBackup(t *testing.T, req CreateBackupRequest) *backup.Backup {
	t.Helper()
	if req.OrgID == "" {
		req.OrgID = "org-1"
	}
	b, err := h.runner.CreateBackup(context.Background(), req)
	require.NoError(t, err)
	return h.backup(t, b.ID)
}

func jobCount(t *testing.T, r *metrics.Recorder, kind, status string) float64 {
	t.Helper()
	families, err := r.Registry().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "orgbackup_jobs_total" {
			continue
		}
		for _, m := range family.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["kind"] == kind && labels["status"] == status {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func storeFilter(orgID string) store.BackupFilter {
	return store.BackupFilter{OrgID: orgID, IncludeDeleted: true}
}
