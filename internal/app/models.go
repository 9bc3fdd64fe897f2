package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/tingxie/internal/config"
	"github.com/MrWong99/tingxie/internal/observe"
	"github.com/MrWong99/tingxie/pkg/provider/stt"
)

// Models caches loaded recognisers per (model, device). Concurrent requests
// for a model that is still loading share a single load.
type Models struct {
	reg  *config.Registry
	base config.RecognitionConfig

	group singleflight.Group

	mu     sync.Mutex
	loaded map[string]stt.Recognizer
}

// NewModels returns a cache that builds recognisers from base through reg.
func NewModels(reg *config.Registry, base config.RecognitionConfig) *Models {
	return &Models{reg: reg, base: base, loaded: make(map[string]stt.Recognizer)}
}

// Default returns the recogniser for the configured model and device.
func (m *Models) Default(ctx context.Context) (stt.Recognizer, error) {
	return m.Get(ctx, "", "")
}

// Get returns the recogniser for model on device, loading it on first use.
// Empty arguments select the configured values.
func (m *Models) Get(ctx context.Context, model string, device config.Device) (stt.Recognizer, error) {
	cfg := m.base
	if model != "" {
		cfg.Model = model
	}
	if device != "" {
		cfg.Device = device
	}
	key := cfg.Model + "/" + string(cfg.Device)

	if r, ok := m.cached(key); ok {
		return r, nil
	}

	ch := m.group.DoChan(key, func() (any, error) {
		if r, ok := m.cached(key); ok {
			return r, nil
		}
		observe.Logger(ctx).Info("app: loading recognition model",
			"provider", cfg.Provider, "model", cfg.Model, "device", cfg.Device)
		r, err := m.reg.CreateRecognizer(cfg)
		if err != nil {
			return nil, fmt.Errorf("app: load model %s: %w", key, err)
		}
		m.mu.Lock()
		m.loaded[key] = r
		m.mu.Unlock()
		return r, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(stt.Recognizer), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Models) cached(key string) (stt.Recognizer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.loaded[key]
	return r, ok
}

// Loaded returns the number of recognisers in the cache.
func (m *Models) Loaded() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.loaded)
}

// Ready reports an error until the default model is loaded.
func (m *Models) Ready() error {
	key := m.base.Model + "/" + string(m.base.Device)
	if _, ok := m.cached(key); !ok {
		return fmt.Errorf("model %s not loaded", key)
	}
	return nil
}

// Close releases every cached recogniser that holds resources.
func (m *Models) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for key, r := range m.loaded {
		if c, ok := r.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", key, err))
			}
		}
		delete(m.loaded, key)
	}
	return errors.Join(errs...)
}
