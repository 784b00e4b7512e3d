package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	logx "taskhive/pkg/logx"
)

// ContainerConfig points at the container runtime and image used for
// isolated execution.
type ContainerConfig struct {
	// Runtime is the container CLI (default "docker").
	Runtime string
	// Image runs one task per container invocation.
	Image string
	// Memory/CPU limits passed straight to the runtime. Empty disables.
	MemoryLimit string
	CPULimit    string
}

// Container runs work inside a throwaway container. Like Headless it relies
// on process isolation for cancellation: killing the runtime CLI tears the
// task down.
type Container struct {
	cfg ContainerConfig
	log logx.Logger
}

func NewContainer(cfg ContainerConfig, log logx.Logger) *Container {
	if cfg.Runtime == "" {
		cfg.Runtime = "docker"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Container{cfg: cfg, log: log}
}

func (c *Container) Name() string { return "container" }

func (c *Container) Execute(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(c.cfg.Image) == "" {
		return Result{}, fmt.Errorf("%w: container image not configured", ErrUnavailable)
	}
	if _, err := exec.LookPath(c.cfg.Runtime); err != nil {
		return Result{}, fmt.Errorf("%w: %q not found", ErrUnavailable, c.cfg.Runtime)
	}

	args := []string{"run", "--rm", "-i"}
	if c.cfg.MemoryLimit != "" {
		args = append(args, "--memory", c.cfg.MemoryLimit)
	}
	if c.cfg.CPULimit != "" {
		args = append(args, "--cpus", c.cfg.CPULimit)
	}
	args = append(args, c.cfg.Image, req.WorkerType)

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal payload: %w", err)
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, c.cfg.Runtime, args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	dur := time.Since(start)

	if ctx.Err() != nil {
		return Result{Success: false, Duration: dur, Err: "timeout: " + ctx.Err().Error()}, nil
	}
	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		c.log.Debug("container run failed", logx.String("worker", req.WorkerType), logx.String("stderr", truncate(msg, 400)))
		return Result{Success: false, Duration: dur, Err: msg}, nil
	}

	out, perr := parseOutput(req.Format, stdout.Bytes())
	if perr != nil {
		return Result{Success: false, Duration: dur, Err: perr.Error()}, nil
	}
	return Result{Success: true, Output: out, Duration: dur}, nil
}
