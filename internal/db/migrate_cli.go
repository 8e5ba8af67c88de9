package db

import (
	"fmt"
	"os"
	"strconv"

	"github.com/khula-data/gambas/internal/monitoring"
)

// RunMigrateCommand handles the 'migrate' subcommand dispatching.
func RunMigrateCommand(args []string, dbPath string) error {
	if len(args) < 1 {
		PrintMigrateHelp()
		return fmt.Errorf("migrate: missing action")
	}

	database, err := Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	switch action := args[0]; action {
	case "up":
		if err := database.MigrateUp(); err != nil {
			return err
		}
		monitoring.Logf("all migrations applied")
		return nil

	case "down":
		if err := database.MigrateDown(); err != nil {
			return err
		}
		monitoring.Logf("rolled back one migration")
		return nil

	case "version":
		version, dirty, err := database.MigrateVersion()
		if err != nil {
			return err
		}
		monitoring.Logf("schema version %d (dirty=%v)", version, dirty)
		return nil

	case "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: gambas migrate force <version>")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		return database.MigrateForce(v)

	case "help":
		PrintMigrateHelp()
		return nil

	default:
		PrintMigrateHelp()
		return fmt.Errorf("unknown migrate action: %s", action)
	}
}

// PrintMigrateHelp prints usage for the migrate subcommand.
func PrintMigrateHelp() {
	fmt.Fprintln(os.Stderr, `Usage: gambas migrate <action>

Actions:
  up               apply all pending migrations
  down             roll back the most recent migration
  version          print the current schema version
  force <version>  force the schema version (dirty-state recovery)
  help             show this help`)
}
