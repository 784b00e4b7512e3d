package storage

import (
	"context"
	"errors"
	"strings"

	logx "taskhive/pkg/logx"
)

// Store is the minimal persistence API used by the daemon and the claim
// service. Documents are JSON-serializable snapshots keyed by name
// (e.g. "worker_state", "claims"); writes replace the whole document.
type Store interface {
	SaveDoc(ctx context.Context, key string, v any) error
	LoadDoc(ctx context.Context, key string, out any) (bool, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open returns a Store for cfg, or ErrDisabled when no driver is configured.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none":
		return nil, ErrDisabled
	case "file":
		return openFile(cfg, log)
	case "sqlite":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
