package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/stephabauva/wellness-gateway/internal/config"
	"github.com/stephabauva/wellness-gateway/internal/migration"
)

// runMigrate handles `gateway migrate <subcommand>` against the memory
// store's SQL schema (memory_entries, memory_relationships,
// consolidation_log). It is invoked from main when os.Args[1] == "migrate".
func runMigrate(args []string) int {
	if len(args) < 1 {
		printMigrateUsage()
		return 1
	}

	subcommand, subargs := args[0], args[1:]
	switch subcommand {
	case "up":
		return runMigrateUp(subargs)
	case "down":
		return runMigrateDown(subargs)
	case "status":
		return runMigrateStatus(subargs)
	case "version":
		return runMigrateVersion(subargs)
	case "goto":
		return runMigrateGoto(subargs)
	case "force":
		return runMigrateForce(subargs)
	case "reset":
		return runMigrateReset(subargs)
	case "help", "-h", "--help":
		printMigrateUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown migrate subcommand: %s\n", subcommand)
		printMigrateUsage()
		return 1
	}
}

func printMigrateUsage() {
	fmt.Println(`Database migration commands for the memory store's SQL schema.

Usage:
  gateway migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration
  status    Show migration status
  version   Show current migration version
  goto      Migrate to a specific version
  force     Force set migration version (use with caution)
  reset     Rollback all migrations

Options:
  --config <path>    Path to configuration file (YAML)
  --db-type <type>   Database driver: postgres, mysql, sqlite (default: from config)
  --db-url <url>     Database connection URL (default: from config)`)
}

func createMigrator(fs *flag.FlagSet, args []string) (*migration.DefaultMigrator, error) {
	configPath := fs.String("config", "", "path to config file")
	dbType := fs.String("db-type", "", "database driver (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "database connection URL")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *dbType != "" && *dbURL != "" {
		return migration.NewMigratorFromURL(*dbType, *dbURL)
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}

func runMigrateUp(args []string) int {
	fs := flag.NewFlagSet("migrate up", flag.ContinueOnError)
	migrator, err := createMigrator(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create migrator: %v\n", err)
		return 1
	}
	defer migrator.Close()

	if err := migration.NewCLI(migrator).RunUp(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		return 1
	}
	return 0
}

func runMigrateDown(args []string) int {
	fs := flag.NewFlagSet("migrate down", flag.ContinueOnError)
	all := fs.Bool("all", false, "rollback all migrations")
	configPath := fs.String("config", "", "path to config file")
	dbType := fs.String("db-type", "", "database driver (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "database connection URL")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		return 1
	}

	var migrator *migration.DefaultMigrator
	var err error
	if *dbType != "" && *dbURL != "" {
		migrator, err = migration.NewMigratorFromURL(*dbType, *dbURL)
	} else {
		loader := config.NewLoader()
		if *configPath != "" {
			loader = loader.WithConfigPath(*configPath)
		}
		var cfg *config.Config
		cfg, err = loader.Load()
		if err == nil {
			if *dbType != "" {
				cfg.Database.Driver = *dbType
			}
			migrator, err = migration.NewMigratorFromDatabaseConfig(cfg.Database)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create migrator: %v\n", err)
		return 1
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	ctx := context.Background()
	if *all {
		err = cli.RunDownAll(ctx)
	} else {
		err = cli.RunDown(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "migration rollback failed: %v\n", err)
		return 1
	}
	return 0
}

func runMigrateStatus(args []string) int {
	fs := flag.NewFlagSet("migrate status", flag.ContinueOnError)
	migrator, err := createMigrator(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create migrator: %v\n", err)
		return 1
	}
	defer migrator.Close()

	if err := migration.NewCLI(migrator).RunStatus(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to get status: %v\n", err)
		return 1
	}
	return 0
}

func runMigrateVersion(args []string) int {
	fs := flag.NewFlagSet("migrate version", flag.ContinueOnError)
	migrator, err := createMigrator(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create migrator: %v\n", err)
		return 1
	}
	defer migrator.Close()

	if err := migration.NewCLI(migrator).RunVersion(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to get version: %v\n", err)
		return 1
	}
	return 0
}

func runMigrateGoto(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: gateway migrate goto <version>")
		return 1
	}
	version, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid version number: %s\n", args[0])
		return 1
	}

	fs := flag.NewFlagSet("migrate goto", flag.ContinueOnError)
	migrator, err := createMigrator(fs, args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create migrator: %v\n", err)
		return 1
	}
	defer migrator.Close()

	if err := migration.NewCLI(migrator).RunGoto(context.Background(), uint(version)); err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		return 1
	}
	return 0
}

func runMigrateForce(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: gateway migrate force <version>")
		return 1
	}
	version, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid version number: %s\n", args[0])
		return 1
	}

	fs := flag.NewFlagSet("migrate force", flag.ContinueOnError)
	migrator, err := createMigrator(fs, args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create migrator: %v\n", err)
		return 1
	}
	defer migrator.Close()

	if err := migration.NewCLI(migrator).RunForce(context.Background(), int(version)); err != nil {
		fmt.Fprintf(os.Stderr, "force failed: %v\n", err)
		return 1
	}
	return 0
}

func runMigrateReset(args []string) int {
	fs := flag.NewFlagSet("migrate reset", flag.ContinueOnError)
	migrator, err := createMigrator(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create migrator: %v\n", err)
		return 1
	}
	defer migrator.Close()

	if err := migration.NewCLI(migrator).RunDownAll(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "reset failed: %v\n", err)
		return 1
	}
	return 0
}
