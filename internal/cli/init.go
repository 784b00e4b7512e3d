package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const defaultYAML = `# taskhive — hived config
# Durations are Go duration strings: "500ms", "10s", "5m".

logging:
  level: "info"
  console: true
  file:
    enabled: false
    path: "./hived.log"

daemon:
  enabled: true
  max_concurrent: 4
  default_timeout: "5m"
  startup_spread: "30s"
  # defer runs under host pressure; 0 disables a check
  max_load_per_core: 0.9
  min_free_memory_pct: 10

queue:
  enabled: true
  backend: "memory"        # memory | redis (redis needs the redis block)
  max_retries: 3
  default_timeout: "5m"
  result_ttl: "1h"
  dead_letter: true
  heartbeat_interval: "15s"
  worker_ttl: "45s"
  shutdown_grace: "30s"
  runner:
    max_concurrent: 4

claims:
  enabled: true
  stale_after: "30m"
  rebalance_interval: "5m"
  # steal_allow_types: ["ops"]

storage:
  driver: "file"           # file | sqlite (build with -tags sqlite) | none
  path: "./taskhive_store"

# redis:
#   addr: "localhost:6379"
#   prefix: "taskhive"

metrics:
  enabled: true
  addr: "127.0.0.1:9090"

# resilience:
#   retry:
#     max_attempts: 3
#     initial_delay: "500ms"
#     max_delay: "15s"
#   breaker:
#     failure_threshold: 5
#     volume_threshold: 10
#     window: "60s"
#     timeout: "30s"
#   bulkhead:
#     max_concurrent: 8
#     max_queue: 16
#     queue_timeout: "10s"
#   rate_limit:
#     max_requests: 60
#     window: "1m"

strategies:
  default: "local"
  # headless:
  #   command: "agent-cli"
  #   model: "default"
  # container:
  #   runtime: "docker"
  #   image: "taskhive/worker:latest"
  #   memory_limit: "512m"
  #   cpu_limit: "1"

workers:
  system_sample:
    enabled: true
    interval: "1m"
    priority: "low"
    mode: "local"
    description: "record host load and memory"
  claims_expire:
    enabled: true
    interval: "5m"
    priority: "normal"
    mode: "local"
    description: "mark stale claims stealable"
  queue_reap:
    enabled: true
    interval: "1m"
    priority: "normal"
    mode: "local"
    description: "requeue tasks from dead workers"
`

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: `Write a default hived configuration.

If --config is given the file is written to that path, otherwise ./hived.yaml.
Fails if the file already exists unless --force is passed.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			dest := cfgFile
			if dest == "" {
				dest = "./hived.yaml"
			}

			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("mkdir: %w", err)
			}
			if !force {
				if _, err := os.Stat(dest); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", dest)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat %s: %w", dest, err)
				}
			}
			if err := os.WriteFile(dest, []byte(defaultYAML), 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("config written to %s\n", dest)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config file")
	return cmd
}
