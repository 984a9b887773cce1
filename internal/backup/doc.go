// Package backup holds the building blocks of an organization backup and
// restore: the records and their state machines, row extraction, file
// collection, archive packaging, encryption and the storage disks.
//
// A backup flows through these components in order:
//
//   - Extractor reads the tenant rows of every discovered table in chunks
//   - FileCollector copies the files those rows reference into staging
//   - Packager writes the manifest and builds a compressed tar archive
//   - EncryptionService optionally seals the archive with AES-256-GCM
//   - MoveToStorage uploads the result to a Disk from the DiskManager
//
// A restore reverses it: FetchFromStorage, decrypt, Packager.Extract and
// verify against the manifest, then RestoreExecutor replays the rows in
// dependency order inside one transaction.
//
// Orchestration, retries and bookkeeping live in the jobs package; this
// package does not touch the engine tables.
//
// Example usage:
//
//	disks, err := backup.NewDiskManager(config.Storage, logger)
//	if err != nil {
//		return err
//	}
//	disk, err := disks.Disk("local")
//	if err != nil {
//		return err
//	}
//	if err := backup.MoveToStorage(ctx, archivePath, disk, target); err != nil {
//		return fmt.Errorf("upload failed: %w", err)
//	}
package backup
