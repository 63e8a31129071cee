package main

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/openmemory/openmemory-go/pkg/backup"
	"github.com/openmemory/openmemory-go/pkg/config"
	"github.com/openmemory/openmemory-go/pkg/storage/sqlite"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage database snapshots (embedded backend only)",
}

func init() {
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupRestoreCmd)
}

func openBackupManager() (*backup.Manager, *sqlite.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.MetadataBackend != config.BackendEmbedded {
		return nil, nil, fmt.Errorf("%w: snapshots require METADATA_BACKEND=embedded; use pg_dump for the remote backend", errMisuse)
	}
	client, err := sqlite.NewClient(&sqlite.Config{
		Path:      cfg.DBPath,
		Strict:    cfg.StrictTenant,
		VectorExt: cfg.VectorExt,
	})
	if err != nil {
		return nil, nil, err
	}
	return backup.NewManager(cfg.BackupDir, client), client, nil
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot the live database into the backup directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, client, err := openBackupManager()
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		info, err := mgr.Create(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("created %s (%d bytes)\n", info.Name, info.Size)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, client, err := openBackupManager()
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		infos, err := mgr.List()
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("no snapshots")
			return nil
		}
		for _, info := range infos {
			fmt.Printf("%s\t%d bytes\t%s\n", info.Name, info.Size, info.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <snapshot>",
	Short: "Replace the live database with a verified snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("%w: restore takes exactly one snapshot name", errMisuse)
		}
		mgr, client, err := openBackupManager()
		if err != nil {
			return err
		}
		// The live pool must be closed before its file is replaced.
		if err := client.Close(); err != nil {
			return err
		}
		if err := mgr.Restore(cmd.Context(), args[0]); err != nil {
			return err
		}
		log.Info("restore complete", "snapshot", args[0])
		return nil
	},
}
