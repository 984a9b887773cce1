package cmd

import (
	"encoding/hex"
	"fmt"

	"org-backup-engine/internal/backup"

	"github.com/spf13/cobra"
)

func newCleanupCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run one retention sweep",
		Long: `Run the retention sweep the worker runs every cleanup.interval:

  - completed backups past their expiry lose their archive and become expired
  - staging directories older than jobs.staging_max_age are removed
  - storage files with no completed backup, older than jobs.orphan_min_age, are removed
  - soft-deleted backups past their grace period are hard-deleted`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := opts.openEnvironment(ctx, envOptions{})
			if err != nil {
				return err
			}
			defer env.Close()

			result, err := env.runner.CleanupExpired(ctx)
			if err != nil {
				return err
			}
			if env.printer.Structured() {
				return env.printer.Value(result)
			}
			if result.Errors > 0 {
				_ = env.printer.Warning("%d items failed and are left for the next sweep", result.Errors)
			}
			return env.printer.Success("%d expired, %d staging directories removed, %d orphaned files removed, %d hard deletes",
				result.Expired, result.StagingRemoved, result.OrphansRemoved, result.HardDeletesQueued)
		},
	}
	return cmd
}

func newKeysCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage archive encryption keys",
	}
	cmd.AddCommand(newKeysGenerateCommand(opts))
	return cmd
}

func newKeysGenerateCommand(opts *rootOptions) *cobra.Command {
	var (
		keyID    string
		dir      string
		printHex bool
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a random AES-256 key",
		Long: `Generate a random 256-bit key for archive encryption.

By default the key is written to <key_dir>/<key-id>.key with owner-only
permissions, for the file key source. With --print the key is written to
stdout as hex instead, for the env key source:

  export ORGBACKUP_KEY_<KEY_ID>=$(orgbackup keys generate --key-id <key-id> --print)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if keyID == "" {
				keyID = cfg.Encryption.DefaultKeyID
			}
			if keyID == "" {
				return fmt.Errorf("--key-id is required when encryption.default_key_id is not set")
			}
			if err := backup.ValidateKeyID(keyID); err != nil {
				return err
			}

			key, err := backup.GenerateKey()
			if err != nil {
				return err
			}
			if printHex {
				_, err := fmt.Fprintln(opts.out, hex.EncodeToString(key))
				return err
			}

			if dir == "" {
				dir = cfg.Encryption.KeyDir
			}
			if dir == "" {
				return fmt.Errorf("--dir is required when encryption.key_dir is not set")
			}
			path, err := backup.SaveKeyToFile(dir, keyID, key)
			if err != nil {
				return err
			}
			p := opts.printer(cfg)
			if p.Structured() {
				return p.Value(map[string]string{
					"key_id":      keyID,
					"path":        path,
					"fingerprint": hex.EncodeToString(backup.KeyFingerprint(key)),
				})
			}
			_ = p.Success("Key %s written to %s", keyID, path)
			return p.Info("Fingerprint %s", hex.EncodeToString(backup.KeyFingerprint(key)))
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&keyID, "key-id", "", "key id (default encryption.default_key_id)")
	flags.StringVar(&dir, "dir", "", "key directory (default encryption.key_dir)")
	flags.BoolVar(&printHex, "print", false, "print the key as hex instead of writing a key file")
	return cmd
}
