package main

import (
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"stockbot/internal/config"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose common configuration and environment problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("StockBot Doctor")
			fmt.Println(strings.Repeat("=", 40))

			failures := 0

			cfgPath := resolveConfigPath()
			cfg, err := checkConfig(cfgPath)
			if err != nil {
				failures++
			}
			if cfg == nil {
				fmt.Println()
				fmt.Println("Cannot continue without a valid config. Run 'stockbot init' first.")
				return fmt.Errorf("%d check(s) failed", failures)
			}

			if !checkWorkspace(cfg) {
				failures++
			}
			if !checkDatabase(cfg) {
				failures++
			}
			if !checkProviders(cfg) {
				failures++
			}
			checkAdapters(cfg)
			checkPorts(cfg)

			fmt.Println()
			if failures > 0 {
				return fmt.Errorf("%d check(s) failed", failures)
			}
			fmt.Println("All checks passed.")
			return nil
		},
	}
}

func printPass(msg string) { fmt.Printf("  [ok]   %s\n", msg) }
func printFail(msg string) { fmt.Printf("  [FAIL] %s\n", msg) }
func printWarn(msg string) { fmt.Printf("  [warn] %s\n", msg) }

func checkConfig(cfgPath string) (*config.Config, error) {
	fmt.Println("\nConfig:")
	if _, err := os.Stat(cfgPath); err != nil {
		printFail(fmt.Sprintf("config file not found: %s", cfgPath))
		return nil, err
	}
	printPass(fmt.Sprintf("config file exists: %s", cfgPath))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		printFail(fmt.Sprintf("config does not load: %v", err))
		return nil, err
	}
	printPass("config loads and validates")
	return cfg, nil
}

func checkWorkspace(cfg *config.Config) bool {
	fmt.Println("\nWorkspace:")
	ws := config.ExpandPath(cfg.General.Workspace)
	if err := os.MkdirAll(ws, 0o755); err != nil {
		printFail(fmt.Sprintf("cannot create workspace %s: %v", ws, err))
		return false
	}
	probe := filepath.Join(ws, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		printFail(fmt.Sprintf("workspace not writable: %v", err))
		return false
	}
	os.Remove(probe)
	printPass(fmt.Sprintf("workspace writable: %s", ws))
	return true
}

func checkDatabase(cfg *config.Config) bool {
	fmt.Println("\nDatabase:")
	if !cfg.Memory.Enabled {
		printWarn("memory disabled; conversations and dialog state will not persist")
		return true
	}
	dbPath := config.ExpandPath(cfg.Memory.DBPath)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		printFail(fmt.Sprintf("cannot create database directory: %v", err))
		return false
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		printFail(fmt.Sprintf("cannot open database: %v", err))
		return false
	}
	defer db.Close()
	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS doctor_probe (id INTEGER)"); err != nil {
		printFail(fmt.Sprintf("database not writable: %v", err))
		return false
	}
	db.Exec("DROP TABLE doctor_probe")
	printPass(fmt.Sprintf("database writable: %s", dbPath))
	return true
}

func checkProviders(cfg *config.Config) bool {
	fmt.Println("\nProviders:")
	enabled := 0
	for name, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		enabled++
		if pc.APIKey == "" || strings.HasPrefix(pc.APIKey, "${") {
			printWarn(fmt.Sprintf("%s enabled but API key unresolved (check environment)", name))
		} else {
			printPass(fmt.Sprintf("%s configured (model %s)", name, pc.DefaultModel))
		}
	}
	if enabled == 0 {
		printFail("no provider enabled; chat replies will fail")
		return false
	}
	return true
}

func checkAdapters(cfg *config.Config) {
	fmt.Println("\nAdapters:")
	printPass(fmt.Sprintf("market quotes: %s", cfg.Market.QuoteAPIBase))

	if cfg.News.Enabled {
		if cfg.News.APIKey == "" || strings.HasPrefix(cfg.News.APIKey, "${") {
			printWarn("news enabled but search API key unresolved")
		} else {
			printPass("news search configured")
		}
	} else {
		printWarn("news disabled; news queries will be declined")
	}

	if cfg.Imaging.Enabled {
		if cfg.Imaging.APISecret == "" || strings.HasPrefix(cfg.Imaging.APISecret, "${") {
			printWarn("imaging enabled but Cloudinary credentials unresolved")
		} else {
			printPass("chart upload configured")
		}
	} else {
		printWarn("imaging disabled; chart requests will be declined")
	}
}

func checkPorts(cfg *config.Config) {
	fmt.Println("\nPorts:")
	check := func(name string, port int) {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			printWarn(fmt.Sprintf("%s port %d already in use", name, port))
			return
		}
		ln.Close()
		printPass(fmt.Sprintf("%s port %d available", name, port))
	}
	if cfg.Channels.Line.Enabled {
		check("line webhook", cfg.Channels.Line.Port)
	}
	if cfg.Channels.API.Enabled {
		check("rest api", cfg.Channels.API.Port)
	}
	if !cfg.Channels.Line.Enabled && !cfg.Channels.API.Enabled {
		printPass("no listening channels enabled")
	}
}
