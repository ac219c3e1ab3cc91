package auditlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/aegislabs/aiguard/pkg/config"
	"github.com/aegislabs/aiguard/pkg/types"
)

// Sink receives audit entries one at a time from the service's writer
// goroutine. Implementations must emit one record per write with no
// interleaving; retention is the sink's concern.
type Sink interface {
	Write(entry types.AuditLogEntry) error
	Close() error
}

// NewSinkFromConfig builds the configured sink. Sink-specific settings are
// decoded from the raw settings map.
func NewSinkFromConfig(cfg config.AuditConfig) (Sink, error) {
	switch cfg.Sink {
	case "", "file":
		var settings FileSinkConfig
		if err := mapstructure.Decode(cfg.Settings, &settings); err != nil {
			return nil, fmt.Errorf("invalid file sink settings: %w", err)
		}
		return NewFileSink(settings)
	case "memory":
		return NewMemorySink(), nil
	case "redis":
		var settings RedisSinkConfig
		if err := mapstructure.Decode(cfg.Settings, &settings); err != nil {
			return nil, fmt.Errorf("invalid redis sink settings: %w", err)
		}
		return NewRedisSinkFromConfig(settings)
	default:
		return nil, fmt.Errorf("unknown audit sink type: %s", cfg.Sink)
	}
}

type FileSinkConfig struct {
	Path string `mapstructure:"path"`
}

// FileSink appends newline-delimited JSON records. Rotation is left to the
// operator; the file is opened append-only and never rewritten.
type FileSink struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

func NewFileSink(cfg FileSinkConfig) (*FileSink, error) {
	path := cfg.Path
	if path == "" {
		path = "logs/aiguard_audit.jsonl"
	}
	path = filepath.Clean(path)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return &FileSink{file: file, encoder: json.NewEncoder(file)}, nil
}

func (s *FileSink) Write(entry types.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encoder.Encode(entry)
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// MemorySink keeps every written entry in memory. Test use only.
type MemorySink struct {
	mu      sync.Mutex
	entries []types.AuditLogEntry
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(entry types.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemorySink) Close() error {
	return nil
}

func (s *MemorySink) Entries() []types.AuditLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AuditLogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}
