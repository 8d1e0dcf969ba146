package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"roundtable/internal/config"
	"roundtable/internal/persona"
	"roundtable/internal/provider"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your roundtable installation",
		Long: `Verifies that roundtable's configuration, roster, providers, and
transcript database are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("roundtable doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'roundtable init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return nil
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Roster loads with exactly one coordinator
			roster, err := persona.LoadFromDirectory(cfg.Roster.Dir, logger)
			if err != nil {
				printFail("Roster", err.Error())
				failed++
			} else {
				printPass("Roster", fmt.Sprintf("%d personas from %s", len(roster), cfg.Roster.Dir))
				passed++
			}

			// 4. Transcript database writable
			if cfg.Transcript.Enabled {
				if err := checkDatabase(cfg.Transcript.DBPath); err != nil {
					printFail("Transcript DB", err.Error())
					failed++
				} else {
					printPass("Transcript DB", cfg.Transcript.DBPath)
					passed++
				}
			}

			// 5. Providers reachable
			factory := provider.NewFactory(cfg, logger)
			checked := 0
			for name, pc := range cfg.Providers {
				if !pc.Enabled {
					continue
				}
				checked++
				p, err := factory.Get(name)
				if err != nil {
					printFail("Provider: "+name, err.Error())
					failed++
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				err = p.Healthy(ctx)
				cancel()
				if err != nil {
					printWarn("Provider: "+name, fmt.Sprintf("unreachable: %v", err))
					warned++
				} else {
					printPass("Provider: "+name, "healthy")
					passed++
				}
			}
			if checked == 0 {
				printFail("Providers", "no providers enabled")
				failed++
			}

			// 6. Metrics port available
			if cfg.Metrics.Enabled {
				if err := checkAddr(cfg.Metrics.Addr); err != nil {
					printWarn("Metrics addr", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Addr, err))
					warned++
				} else {
					printPass("Metrics addr", cfg.Metrics.Addr+" available")
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running roundtable.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nroundtable should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! roundtable is ready to run.\n")
			}
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
