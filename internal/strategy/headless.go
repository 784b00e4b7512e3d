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

// HeadlessConfig points at the external CLI the headless strategy drives.
type HeadlessConfig struct {
	// Binary is the CLI to invoke (looked up on PATH when not absolute).
	Binary string
	// BaseArgs are prepended to every invocation.
	BaseArgs []string
	// DefaultModel is used when the request does not name one.
	DefaultModel string
}

// Headless runs work by invoking an external CLI as a subprocess and parsing
// its stdout. Timeout enforcement kills the process, so cancellation actually
// reclaims resources.
type Headless struct {
	cfg HeadlessConfig
	log logx.Logger
}

func NewHeadless(cfg HeadlessConfig, log logx.Logger) *Headless {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Headless{cfg: cfg, log: log}
}

func (h *Headless) Name() string { return "headless" }

func (h *Headless) Execute(ctx context.Context, req Request) (Result, error) {
	bin := strings.TrimSpace(h.cfg.Binary)
	if bin == "" {
		return Result{}, fmt.Errorf("%w: headless binary not configured", ErrUnavailable)
	}
	if _, err := exec.LookPath(bin); err != nil {
		return Result{}, fmt.Errorf("%w: %q not found", ErrUnavailable, bin)
	}

	args := append([]string(nil), h.cfg.BaseArgs...)
	model := req.Model
	if model == "" {
		model = h.cfg.DefaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.Sandbox {
		args = append(args, "--sandbox")
	}
	for _, p := range req.ContextPatterns {
		args = append(args, "--context", p)
	}

	prompt := renderPrompt(req.PromptTemplate, req)

	start := time.Now()
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	dur := time.Since(start)

	if ctx.Err() != nil {
		return Result{Success: false, Duration: dur, Err: "timeout: " + ctx.Err().Error()}, nil
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		h.log.Debug("headless run failed", logx.String("worker", req.WorkerType), logx.String("stderr", truncate(msg, 400)))
		return Result{Success: false, Duration: dur, Err: msg}, nil
	}

	out, perr := parseOutput(req.Format, stdout.Bytes())
	if perr != nil {
		return Result{Success: false, Duration: dur, Err: perr.Error()}, nil
	}
	return Result{Success: true, Output: out, Duration: dur}, nil
}

// renderPrompt substitutes {{workerType}} and {{payload.<key>}} placeholders.
func renderPrompt(tmpl string, req Request) string {
	if strings.TrimSpace(tmpl) == "" {
		b, _ := json.Marshal(req.Payload)
		return fmt.Sprintf("worker=%s payload=%s", req.WorkerType, string(b))
	}
	out := strings.ReplaceAll(tmpl, "{{workerType}}", req.WorkerType)
	for k, v := range req.Payload {
		out = strings.ReplaceAll(out, "{{payload."+k+"}}", fmt.Sprint(v))
	}
	return out
}

func parseOutput(format OutputFormat, raw []byte) (any, error) {
	switch format {
	case FormatJSON:
		var v any
		if err := json.Unmarshal(bytes.TrimSpace(raw), &v); err != nil {
			return nil, fmt.Errorf("headless output is not valid json: %w", err)
		}
		return v, nil
	case FormatMarkdown, FormatText, "":
		return strings.TrimSpace(string(raw)), nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
