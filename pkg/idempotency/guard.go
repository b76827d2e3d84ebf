// Package idempotency guards a unit of work so that it runs at most once per
// key, and at most one attempt per key is in flight at any moment.
// Keys are deterministic: GenerateKey hashes the parts that identify the work.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of a guarded key
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry is the record kept for one key
type Entry struct {
	Key         string
	HandlerName string
	Status      Status
	Result      interface{}
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
}

// GuardConfig holds configuration for the guard
type GuardConfig struct {
	// DefaultTTL is how long entries are remembered
	DefaultTTL time.Duration
	// CleanupInterval is how often to drop expired entries
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
	// IsTerminal reports errors that must never be retried under the same key.
	// Nil treats every error as recoverable.
	IsTerminal func(error) bool
}

// DefaultGuardConfig returns sensible defaults
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		DefaultTTL:      24 * time.Hour,
		CleanupInterval: 10 * time.Minute,
		RecoveryTimeout: 2 * time.Minute,
	}
}

// ErrDuplicate indicates the key was already processed successfully
var ErrDuplicate = errors.New("duplicate: already processed")

// ErrInProgress indicates the key is being processed right now
var ErrInProgress = errors.New("already in progress")

// ErrPreviouslyFailed indicates the key failed with a terminal error
var ErrPreviouslyFailed = errors.New("previously failed permanently")

// ProcessResult represents the result of guarded processing
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Result       interface{}
}

// ProcessFunc is the guarded unit of work
type ProcessFunc func(ctx context.Context) (interface{}, error)

// Guard tracks keys in memory
type Guard struct {
	config GuardConfig
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewGuard creates a new guard
func NewGuard(cfg GuardConfig, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Guard{
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("idempotency"),
		now:     time.Now,
		entries: make(map[string]*Entry),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Process runs fn unless key is finished, failed or in flight. A finished
// key returns its stored result with IsNew false and fn is not called.
func (g *Guard) Process(ctx context.Context, key, handlerName string, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := g.tracer.Start(ctx, "idempotency_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	prior, err := g.start(key, handlerName)
	if err != nil {
		return nil, err
	}
	if prior != nil && prior.Status == StatusFinished {
		span.SetAttributes(attribute.Bool("duplicate", true))
		return &ProcessResult{IsNew: false, Result: prior.Result}, nil
	}
	recovered := prior != nil
	if recovered {
		span.SetAttributes(attribute.Bool("recovered", true))
	}

	result, handlerErr := fn(ctx)
	if handlerErr != nil {
		status := StatusRecoverable
		if g.config.IsTerminal != nil && g.config.IsTerminal(handlerErr) {
			status = StatusFailed
		}
		g.mark(key, status, nil, handlerErr.Error())
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	g.mark(key, StatusFinished, result, "")
	return &ProcessResult{
		IsNew:        !recovered,
		WasRecovered: recovered,
		Result:       result,
	}, nil
}

// start claims key. It returns the prior entry when one existed and the
// claim was allowed, or the finished entry untouched.
func (g *Guard) start(key, handlerName string) (*Entry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	entry, ok := g.entries[key]
	if ok && now.After(entry.ExpiresAt) {
		delete(g.entries, key)
		ok = false
	}

	var prior *Entry
	if ok {
		snapshot := *entry
		prior = &snapshot
		switch entry.Status {
		case StatusFinished:
			return prior, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if now.Sub(entry.UpdatedAt) <= g.config.RecoveryTimeout {
				return nil, ErrInProgress
			}
			g.logger.Warn("recovering abandoned entry", zap.String("idempotency_key", key))
		}
		entry.Status = StatusStarted
		entry.Error = ""
		entry.UpdatedAt = now
		return prior, nil
	}

	g.entries[key] = &Entry{
		Key:         key,
		HandlerName: handlerName,
		Status:      StatusStarted,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(g.config.DefaultTTL),
	}
	return nil, nil
}

func (g *Guard) mark(key string, status Status, result interface{}, errMsg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.entries[key]
	if !ok {
		return
	}
	entry.Status = status
	entry.Result = result
	entry.Error = errMsg
	entry.UpdatedAt = g.now()
}

// Lookup returns a copy of the entry for key
func (g *Guard) Lookup(key string) (Entry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Forget drops key so it can be processed again
func (g *Guard) Forget(key string) {
	g.mu.Lock()
	delete(g.entries, key)
	g.mu.Unlock()
}

// GenerateKey creates a deterministic key from the parts identifying the work
func GenerateKey(parts ...string) string {
	data := strings.Join(parts, "|")
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// StartCleanup starts the background cleanup goroutine
func (g *Guard) StartCleanup() {
	go g.cleanupLoop()
	g.logger.Info("idempotency cleanup started", zap.Duration("interval", g.config.CleanupInterval))
}

// Stop stops the cleanup goroutine started by StartCleanup
func (g *Guard) Stop() {
	g.cancel()
	<-g.done
	g.logger.Info("idempotency guard stopped")
}

func (g *Guard) cleanupLoop() {
	defer close(g.done)

	ticker := time.NewTicker(g.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			deleted, recovered := g.cleanup(), g.RecoverStaleEntries()
			if deleted > 0 || recovered > 0 {
				g.logger.Info("idempotency cleanup completed",
					zap.Int("deleted", deleted),
					zap.Int("recovered", recovered),
					zap.Int64("remaining", g.GetStats().TotalEntries))
			}
		}
	}
}

// cleanup removes expired entries
func (g *Guard) cleanup() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	deleted := 0
	for key, entry := range g.entries {
		if now.After(entry.ExpiresAt) {
			delete(g.entries, key)
			deleted++
		}
	}
	return deleted
}

// RecoverStaleEntries marks abandoned STARTED entries as RECOVERABLE
func (g *Guard) RecoverStaleEntries() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	recovered := 0
	for _, entry := range g.entries {
		if entry.Status == StatusStarted && now.Sub(entry.UpdatedAt) > g.config.RecoveryTimeout {
			entry.Status = StatusRecoverable
			entry.UpdatedAt = now
			recovered++
		}
	}
	return recovered
}

// GuardStats counts entries by status
type GuardStats struct {
	TotalEntries int64
	Started      int64
	Finished     int64
	Recoverable  int64
	Failed       int64
}

// GetStats returns current statistics
func (g *Guard) GetStats() GuardStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	var stats GuardStats
	for _, entry := range g.entries {
		stats.TotalEntries++
		switch entry.Status {
		case StatusStarted:
			stats.Started++
		case StatusFinished:
			stats.Finished++
		case StatusRecoverable:
			stats.Recoverable++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats
}
