package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"precomp/internal/daemon"
	perrors "precomp/internal/errors"
	"precomp/internal/store"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Maintain the project database",
}

var storeResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the project database and start empty",
	Long: `Delete the project database. All registered projects are forgotten;
sources and outputs on disk are untouched.

Use --backup to keep a compressed copy next to the database first. This is
the way out of a CORRUPT_STORE error.`,
	Args: cobra.NoArgs,
	RunE: runStoreReset,
}

var storeBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a compressed copy of the project database",
	Args:  cobra.NoArgs,
	RunE:  runStoreBackup,
}

var storeRestoreCmd = &cobra.Command{
	Use:   "restore <backup>",
	Short: "Replace the project database with a backup",
	Args:  cobra.ExactArgs(1),
	RunE:  runStoreRestore,
}

var storeResetBackup bool

func init() {
	rootCmd.AddCommand(storeCmd)
	storeCmd.AddCommand(storeResetCmd)
	storeCmd.AddCommand(storeBackupCmd)
	storeCmd.AddCommand(storeRestoreCmd)

	storeResetCmd.Flags().BoolVar(&storeResetBackup, "backup", false, "Back up the database before deleting it")
}

// requireStopped refuses to touch the database file under a running watcher.
func requireStopped(e *env) error {
	running, pid, err := daemon.IsRunning(e.home)
	if err != nil {
		return err
	}
	if running {
		return fmt.Errorf("watcher is running (PID: %d); stop it with 'precomp watch stop' first", pid)
	}
	return nil
}

func runStoreReset(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()
	if err := requireStopped(e); err != nil {
		return err
	}

	path := store.FilePath(e.cfg.Store, e.home)
	backup, err := store.Reset(path, storeResetBackup)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if backup != "" {
		fmt.Fprintf(out, "Backed up %s to %s\n", path, backup)
	}
	fmt.Fprintf(out, "Reset %s\n", path)
	return nil
}

func runStoreBackup(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()

	path := store.FilePath(e.cfg.Store, e.home)
	st, err := store.Open(e.cfg.Store, e.home, e.logger)
	if err != nil {
		if !perrors.Is(err, perrors.CorruptStore) {
			return err
		}
		// An unreadable store is still copied byte for byte.
		backup, berr := store.BackupFile(path, time.Now())
		if berr != nil {
			return berr
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Backed up %s to %s\n", path, backup)
		return nil
	}
	defer st.Close()

	backup, err := st.Backup()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Backed up %s to %s\n", path, backup)
	return nil
}

func runStoreRestore(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()
	if err := requireStopped(e); err != nil {
		return err
	}

	path := store.FilePath(e.cfg.Store, e.home)
	if err := store.RestoreFile(args[0], path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Restored %s from %s\n", path, args[0])
	return nil
}
