package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"taskhive/internal/claim"
	"taskhive/internal/config"
	"taskhive/internal/storage"
	"taskhive/internal/worker"
	logx "taskhive/pkg/logx"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print persisted worker state and claims",
	Long: `Read the storage backend configured in the config file and print the
last persisted worker runtime state and claim set as JSON. Works whether or
not a daemon is currently running.`,
	RunE: runStatus,
}

func runStatus(_ *cobra.Command, _ []string) error {
	mgr := config.NewManager(configPath())
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Storage == nil {
		return errors.New("no storage configured; nothing to report")
	}

	busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, logx.Nop())
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := struct {
		Workers map[string]worker.RuntimeState `json:"workers,omitempty"`
		Claims  map[string]claim.Claim         `json:"claims,omitempty"`
	}{}

	if found, err := store.LoadDoc(ctx, "worker_state", &out.Workers); err != nil {
		return fmt.Errorf("load worker state: %w", err)
	} else if !found {
		out.Workers = nil
	}
	if found, err := store.LoadDoc(ctx, "claims", &out.Claims); err != nil {
		return fmt.Errorf("load claims: %w", err)
	} else if !found {
		out.Claims = nil
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
