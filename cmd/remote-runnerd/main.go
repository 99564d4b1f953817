// Command remote-runnerd is the daemon entrypoint. Its CLI surface is
// deliberately thin per spec §6: a single positional timeout argument,
// an optional settings file, and exit codes matching the original
// main.cpp (no argument prints usage and exits 0; a missing whitelist
// file or a malformed timeout exits non-zero).
//
// Grounded on cmd/snellerd/main.go + run_daemon.go's bootstrap idiom:
// a log.Logger to stderr, flag.FlagSet for optional flags, and
// os/signal wiring performed by the server package itself.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/svartmetal/remote-runnerd/internal/audit"
	"github.com/svartmetal/remote-runnerd/internal/dispatcher"
	"github.com/svartmetal/remote-runnerd/internal/server"
	"github.com/svartmetal/remote-runnerd/internal/settings"
	"github.com/svartmetal/remote-runnerd/internal/whitelist"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <timeout-seconds> [-config path] [-settings path]\n", os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(0)
	}

	logger := log.New(os.Stderr, "", log.Lshortfile)

	timeoutSec, err := strconv.Atoi(os.Args[1])
	if err != nil || timeoutSec <= 0 {
		fmt.Fprintf(os.Stderr, "%s: invalid timeout %q\n", os.Args[0], os.Args[1])
		os.Exit(1)
	}

	daemonFlags := flag.NewFlagSet("remote-runnerd", flag.ExitOnError)
	configPath := daemonFlags.String("config", settings.DefaultConfigPath, "whitelist config path, overriding the settings file's whitelistPath")
	settingsPath := daemonFlags.String("settings", "", "path to an optional YAML settings file")
	daemonFlags.Parse(os.Args[2:])

	cfg, err := settings.Load(*settingsPath)
	if err != nil {
		logger.Fatalf("loading settings: %v", err)
	}
	if *configPath != settings.DefaultConfigPath {
		cfg.WhitelistPath = *configPath
	}

	store, err := whitelist.Load(cfg.WhitelistPath)
	if err != nil {
		logger.Fatalf("loading whitelist %s: %v", cfg.WhitelistPath, err)
	}

	disp := dispatcher.New(logger)
	disp.Start()
	defer disp.Stop()

	srv := server.New(server.Config{
		TCPAddr:   cfg.TCPAddr,
		LocalPath: cfg.LocalPath,
		Timeout:   time.Duration(timeoutSec) * time.Second,
		PoolSize:  cfg.PoolSize,
	}, store, disp, logger)

	if cfg.AuditLogPath != "" {
		auditLog, err := audit.Open(cfg.AuditLogPath)
		if err != nil {
			logger.Fatalf("opening audit log: %v", err)
		}
		srv.SetAuditLog(auditLog, cfg.RedactCommands)
	}

	if err := srv.Start(); err != nil {
		logger.Fatalf("starting server: %v", err)
	}
	srv.InstallReloadHandler()

	logger.Printf("remote-runnerd listening on %s (timeout=%ds, whitelist=%s)", cfg.TCPAddr, timeoutSec, cfg.WhitelistPath)

	srv.RunUntilShutdown()
}
