package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medledger/hms-forms/internal/domain/forms"
	"github.com/medledger/hms-forms/internal/domain/validation"
	"github.com/medledger/hms-forms/internal/observability/metrics"
	"github.com/medledger/hms-forms/internal/search"
	"github.com/medledger/hms-forms/internal/submission"
)

// StoreConfig holds session store configuration
type StoreConfig struct {
	// IdleTimeout closes sessions untouched for this long
	IdleTimeout time.Duration
	// SweepInterval is how often idle sessions are looked for
	SweepInterval time.Duration
	// Search configures each session's resolver
	Search search.Config
}

// DefaultStoreConfig returns default configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		IdleTimeout:   30 * time.Minute,
		SweepInterval: time.Minute,
		Search:        search.DefaultConfig(),
	}
}

// Store keeps open sessions by id
type Store struct {
	config    StoreConfig
	searcher  search.Searcher
	gateway   *submission.Gateway
	validator *validation.Validator
	loader    *Loader
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewStore creates a store. loader may be nil when edit mode is not served.
func NewStore(cfg StoreConfig, searcher search.Searcher, gateway *submission.Gateway, v *validation.Validator, loader *Loader, m *metrics.Metrics, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if v == nil {
		v = validation.New()
	}
	return &Store{
		config:    cfg,
		searcher:  searcher,
		gateway:   gateway,
		validator: v,
		loader:    loader,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		sessions:  make(map[string]*Session),
		stopCh:    make(chan struct{}),
	}
}

// Open starts a session for a new entry of form
func (st *Store) Open(form forms.Form) (*Session, error) {
	bindings, err := forms.Bindings(form)
	if err != nil {
		return nil, err
	}
	dispatcher, err := forms.NewDispatcher(bindings...)
	if err != nil {
		return nil, err
	}
	return st.register(form, dispatcher), nil
}

// OpenRecord starts an edit-mode session for a stored record of kind
func (st *Store) OpenRecord(ctx context.Context, kind forms.Kind, recordID string) (*Session, error) {
	if st.loader == nil {
		return nil, fmt.Errorf("edit mode not configured")
	}
	b, err := forms.Lookup(kind)
	if err != nil {
		return nil, err
	}
	dispatcher, err := forms.NewDispatcher(b)
	if err != nil {
		return nil, err
	}
	if err := st.loader.Hydrate(ctx, b, dispatcher.Draft(), recordID); err != nil {
		return nil, err
	}
	return st.register(formOf(kind), dispatcher), nil
}

func formOf(kind forms.Kind) forms.Form {
	switch kind {
	case forms.KindAdmission:
		return forms.FormAdmission
	case forms.KindBill:
		return forms.FormBill
	case forms.KindMoneyReceipt:
		return forms.FormMoneyReceipt
	default:
		return forms.FormLedger
	}
}

func (st *Store) register(form forms.Form, dispatcher *forms.Dispatcher) *Session {
	resolver := search.NewResolver(st.searcher, st.config.Search, st.logger, st.metrics)
	s := newSession(uuid.New().String(), form, dispatcher, resolver, st.validator, st.gateway, st.logger)
	s.now = st.now
	s.lastUsed = st.now()
	s.onClose = st.remove

	st.mu.Lock()
	st.sessions[s.id] = s
	st.mu.Unlock()

	st.metrics.SessionOpened()
	st.logger.Debug("session opened",
		zap.String("session_id", s.id),
		zap.String("form", string(form)))
	return s
}

// Get returns an open session
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Close discards a session
func (st *Store) Close(id string) error {
	s, err := st.Get(id)
	if err != nil {
		return err
	}
	s.Close()
	return nil
}

func (st *Store) remove(s *Session) {
	st.mu.Lock()
	_, ok := st.sessions[s.id]
	delete(st.sessions, s.id)
	st.mu.Unlock()
	if ok {
		st.metrics.SessionClosed()
	}
}

// Len returns the number of open sessions
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// StartSweeper closes idle sessions in the background
func (st *Store) StartSweeper() {
	if st.config.SweepInterval <= 0 || st.config.IdleTimeout <= 0 {
		return
	}
	st.wg.Add(1)
	go func() {
		defer st.wg.Done()
		ticker := time.NewTicker(st.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-st.stopCh:
				return
			case <-ticker.C:
				st.Sweep()
			}
		}
	}()
}

// Sweep closes sessions idle longer than the idle timeout
func (st *Store) Sweep() int {
	cutoff := st.now().Add(-st.config.IdleTimeout)

	st.mu.RLock()
	var idle []*Session
	for _, s := range st.sessions {
		if s.idleSince().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	st.mu.RUnlock()

	for _, s := range idle {
		s.Close()
	}
	if len(idle) > 0 {
		st.logger.Info("closed idle sessions", zap.Int("count", len(idle)))
	}
	return len(idle)
}

// Stop stops the sweeper and closes every session
func (st *Store) Stop() {
	close(st.stopCh)
	st.wg.Wait()

	st.mu.RLock()
	all := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		all = append(all, s)
	}
	st.mu.RUnlock()
	for _, s := range all {
		s.Close()
	}
}
