// Package cli provides the command-line interface for cryptsyncd: the
// key-management operations of spec.md §4.4 plus a blocks subcommand that
// exercises the block transfer layer directly, both against a reference
// file-per-directory-blob Storage implementation. It is demonstration and
// integration wiring, not a reconciliation engine — it implements no sync
// rules of its own.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cryptsync/internal/logging"
)

var (
	storageRoot string
	verbose     bool

	logger *logging.Logger

	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// Version is set by main at startup.
var Version = "dev"

// NewRootCmd builds the root cryptsyncd command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cryptsyncd",
		Short: "Encrypted, block-deduplicated file synchronizer core",
		Long: `cryptsyncd ` + Version + `

Key management and block-transfer reference CLI for the cryptsync core.
Subcommands operate against a reference file-per-directory-blob Storage
backend rooted at --storage-root; this CLI does not implement a sync
engine, only the operations the core library exposes.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger = logging.NewDefaultCLILogger()
			if verbose {
				logging.SetGlobalLevel(-1)
			}
			if err := viper.BindPFlags(cmd.Flags()); err != nil {
				return fmt.Errorf("bind flags: %w", err)
			}
			if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
				return fmt.Errorf("bind persistent flags: %w", err)
			}
			storageRoot = viper.GetString("storage-root")
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&storageRoot, "storage-root", "./cryptsync-data", "Root directory for the reference Storage backend")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose/debug logging")
	rootCmd.Version = Version

	return rootCmd
}

// Execute runs the CLI, wiring SIGINT/SIGTERM into a cancellable context
// the same way the teacher's Execute does.
func Execute() error {
	rootContext, cancelFunc = context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range sigChan {
			if sig != nil {
				fmt.Fprintf(os.Stderr, "\nreceived signal %v, cancelling\n", sig)
				cancelFunc()
			}
		}
	}()

	rootCmd := NewRootCmd()
	AddCommands(rootCmd)
	err := rootCmd.Execute()

	signal.Stop(sigChan)
	close(sigChan)
	return err
}

// AddCommands registers every subcommand onto rootCmd.
func AddCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newAddKeyCmd())
	rootCmd.AddCommand(newChangeKeyCmd())
	rootCmd.AddCommand(newDelKeyCmd())
	rootCmd.AddCommand(newListKeysCmd())
	rootCmd.AddCommand(newCreateGroupCmd())
	rootCmd.AddCommand(newAssocGroupCmd())
	rootCmd.AddCommand(newDisassocGroupCmd())
	rootCmd.AddCommand(newDestroyGroupCmd())
	rootCmd.AddCommand(newBlocksCmd())
}

// GetLogger returns the global CLI logger, initialized by
// PersistentPreRunE before any subcommand runs.
func GetLogger() *logging.Logger {
	return logger
}
