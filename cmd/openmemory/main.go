// Command openmemory runs the memory service and its operational
// companions: migrations, backups and key hashing.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/openmemory/openmemory-go/pkg/auth"
	"github.com/openmemory/openmemory-go/pkg/config"
	"github.com/openmemory/openmemory-go/pkg/crypto"
	"github.com/openmemory/openmemory-go/pkg/server"
)

// Version is set via ldflags during build.
var Version = "dev"

// errMisuse marks operator errors (bad flags, missing arguments) so the
// process can exit 2 instead of 1.
var errMisuse = errors.New("misuse")

var rootCmd = &cobra.Command{
	Use:           "openmemory",
	Short:         "OpenMemory is a multi-tenant long-term memory store for AI agents",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	server.Version = Version
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errMisuse, err)
	})
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(hashKeyCmd)
	rootCmd.AddCommand(genKeyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errMisuse) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, _, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		if err := store.Migrate(cmd.Context()); err != nil {
			return err
		}
		log.Info("migrations applied", "backend", store.Dialect())
		return nil
	},
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key <secret>",
	Short: "Hash an admin key for use in ADMIN_KEY",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("%w: hash-key takes exactly one argument", errMisuse)
		}
		hash, err := auth.HashSecret(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

var genKeyCmd = &cobra.Command{
	Use:   "gen-key",
	Short: "Generate a fresh base64 encryption key for ENCRYPTION_KEYS",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}
