package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/convsync"
	"github.com/matheus3301/convsync/internal/lock"
	"github.com/spf13/cobra"
)

var (
	configPath  string
	participant string
	jsonOut     bool
)

var rootCmd = &cobra.Command{
	Use:           "convsyncctl",
	Short:         "Inspect and drive the conversation sync engine",
	Long:          "convsyncctl runs the sync engine for one command against the configured backend.\nThe session token is read from CONVSYNC_TOKEN.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.convsync/config.toml)")
	rootCmd.PersistentFlags().StringVar(&participant, "participant", "", "local participant id (overrides the session token)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func sessionToken() string { return os.Getenv("CONVSYNC_TOKEN") }

// withClient starts the engine, runs fn and shuts the engine down.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *convsync.Client) error) error {
	c, err := convsync.Start(cmd.Context(), convsync.Params{
		ConfigPath:    configPath,
		Tokens:        sessionToken,
		ParticipantID: participant,
	})
	if err != nil {
		var held *lock.LockHeldError
		if errors.As(err, &held) {
			return fmt.Errorf("cache is in use by PID %d", held.PID)
		}
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Stop(stopCtx)
	}()
	return fn(cmd.Context(), c)
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
