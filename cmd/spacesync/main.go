package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pranavgeek/SpaceApp-sub000/internal/agent"
	"github.com/pranavgeek/SpaceApp-sub000/internal/catalog"
	"github.com/pranavgeek/SpaceApp-sub000/internal/config"
	"github.com/pranavgeek/SpaceApp-sub000/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "spacesync",
	Short:   "spacesync - entitlement synchronization agent",
	Long:    `spacesync keeps user roles and subscription tiers consistent across the platform store, the backend user record, and the local cache`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogValidateCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("spacesync %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "SKU catalog utilities",
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Validate a SKU catalog file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := catalog.Load(args[0])
		if err != nil {
			return err
		}
		if err := c.Validate(); err != nil {
			return err
		}
		fmt.Printf("OK: %d plans\n", len(c.SKUs()))
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAgent() {
	// Baseline logger for early startup, reconfigured once config is loaded
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "spacesync",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "spacesync",
	})

	log.Info().Str("version", Version).Msg("Starting entitlement sync agent")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := agent.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize sync agent")
	}

	// A pre-provisioned user id signs the session in at startup. Interactive
	// login flows call Session().Login directly when embedded.
	if userID := os.Getenv("SPACESYNC_USER_ID"); userID != "" && !a.Session().SignedIn() {
		go func() {
			if err := a.LoginUser(ctx, userID); err != nil {
				log.Warn().Err(err).Str("userId", userID).Msg("Startup login failed")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received")
		cancel()
	}()

	if err := a.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Sync agent exited with error")
	}
	log.Info().Msg("Sync agent stopped")
}
