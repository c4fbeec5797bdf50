package storage

import (
	"context"
	"errors"
	"strings"
	"sync"

	logx "timechanbot/pkg/logx"
)

// DefaultPath is where the file driver keeps the mapping when no path is configured.
const DefaultPath = "./timechannels.json"

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driverName(driver)))

	switch driver {
	case "", "file", "json":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	case "memory":
		return NewMemory(nil), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func driverName(d string) string {
	if d == "" {
		return "file"
	}
	return d
}

// memoryStore keeps the mapping in process memory.
type memoryStore struct {
	mu    sync.Mutex
	m     Mapping
	audit []AuditEntry
}

// NewMemory returns a process-local store seeded with m.
func NewMemory(m Mapping) Store {
	if m == nil {
		m = Mapping{}
	}
	return &memoryStore{m: m.Clone()}
}

func (s *memoryStore) Load(context.Context) (Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.Clone(), nil
}

func (s *memoryStore) Replace(_ context.Context, m Mapping) error {
	s.mu.Lock()
	s.m = m.Clone()
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	s.audit = append(s.audit, e)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Close() error { return nil }
