package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/internal/models"
)

// Source supplies rule definitions from the configuration store
type Source interface {
	LoadRules(ctx context.Context) ([]models.Rule, error)
}

// FileSource reads a JSON array of rules from disk
type FileSource struct {
	Path string
}

func (s FileSource) LoadRules(ctx context.Context) ([]models.Rule, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var rules []models.Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	return rules, nil
}

// StaticSource serves a fixed rule list
type StaticSource []models.Rule

func (s StaticSource) LoadRules(ctx context.Context) ([]models.Rule, error) {
	return append([]models.Rule(nil), s...), nil
}

// Reloader refreshes the engine from a source on a timer. A failed fetch
// keeps the previous rule set in place.
type Reloader struct {
	engine   *Engine
	source   Source
	interval time.Duration

	mu         sync.Mutex
	lastReload time.Time
	lastErr    error
}

func NewReloader(engine *Engine, source Source, interval time.Duration) *Reloader {
	return &Reloader{engine: engine, source: source, interval: interval}
}

// Reload fetches and loads rules once.
func (r *Reloader) Reload(ctx context.Context) (*RuleSet, error) {
	defs, err := r.source.LoadRules(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.lastErr = err
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	rs := r.engine.Load(defs)
	r.lastReload = time.Now()
	r.lastErr = nil
	return rs, nil
}

// Run reloads every interval until ctx is done.
func (r *Reloader) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Reload(ctx); err != nil {
				log.Error().Err(err).Msg("Rule reload failed, keeping previous rule set")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Status returns the last successful reload time and the last error.
func (r *Reloader) Status() (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReload, r.lastErr
}
