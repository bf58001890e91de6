package sink

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Sink stores an encoded output image under a key.
type Sink interface {
	Put(ctx context.Context, key string, r io.ReadSeeker, size int64) (string, error)
}

// Config selects a sink implementation; Data is implementation specific.
type Config struct {
	Type string         `yaml:"type"`
	Data map[string]any `yaml:"data"`
}

type Factory func(data map[string]any) (Sink, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func Register(name string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registryMu.Lock()
	registry[key] = factory
	registryMu.Unlock()
}

// New builds the sink named by cfg.Type. An empty type means "local".
func New(cfg Config) (Sink, error) {
	key := strings.ToLower(strings.TrimSpace(cfg.Type))
	if key == "" {
		key = "local"
	}
	registryMu.RLock()
	factory := registry[key]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported sink type: %s", cfg.Type)
	}
	return factory(cfg.Data)
}

func stringArg(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func boolArg(data map[string]any, key string) bool {
	v, _ := data[key].(bool)
	return v
}
