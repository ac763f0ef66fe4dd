// Package service hosts the long-running pieces of the agent: the
// forwarding loop that drains buffered readings into the OMF orchestrator,
// and the type-cache persistence around its lifecycle.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/twinfer/omfgate/internal/typecache"
	"github.com/twinfer/omfgate/pkg/types"
)

// ReadingSource supplies buffered readings to the forwarding loop.
type ReadingSource interface {
	Drain(max int) []*types.Reading
	Requeue(readings []*types.Reading)
	Pending() int
}

// BatchSender forwards one batch and reports how many readings were
// accepted. Zero with an error means the whole batch must be redelivered.
type BatchSender interface {
	Send(ctx context.Context, readings []*types.Reading) (int, error)
}

// ForwardingConfig tunes the forwarding loop.
type ForwardingConfig struct {
	Interval  time.Duration
	BatchSize int
}

// ForwardingService periodically drains the reading source into the sender
// and persists the schema cache across restarts.
type ForwardingService struct {
	cfg    ForwardingConfig
	source ReadingSource
	sender BatchSender
	cache  *typecache.Cache
	store  *typecache.FileStore
	logger *logrus.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewForwardingService wires the loop. store may be nil to disable
// persistence.
func NewForwardingService(cfg ForwardingConfig, source ReadingSource, sender BatchSender,
	cache *typecache.Cache, store *typecache.FileStore, logger *logrus.Logger) *ForwardingService {

	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &ForwardingService{
		cfg:    cfg,
		source: source,
		sender: sender,
		cache:  cache,
		store:  store,
		logger: logger,
	}
}

// Start restores the persisted schema cache and launches the loop. It
// returns immediately; the loop runs until Stop or ctx cancellation.
func (s *ForwardingService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("forwarding service already running")
	}
	if s.store != nil {
		if err := s.store.Restore(s.cache); err != nil {
			return fmt.Errorf("restoring schema cache: %w", err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(loopCtx)
	return nil
}

// Stop halts the loop, attempts one final drain and persists the schema
// cache.
func (s *ForwardingService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	done := s.done
	s.running = false
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Best effort final flush so a clean shutdown loses nothing buffered.
	if s.source.Pending() > 0 {
		s.forwardOnce(ctx)
	}

	if s.store != nil {
		if err := s.store.Persist(s.cache); err != nil {
			return fmt.Errorf("persisting schema cache: %w", err)
		}
		s.logger.WithFields(logrus.Fields{"entries": s.cache.Len()}).Info("Schema cache persisted")
	}
	return nil
}

func (s *ForwardingService) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.forwardOnce(ctx)
		}
	}
}

// forwardOnce drains and sends batches until the buffer is empty or a batch
// fails. A failed batch is requeued in front so order is preserved.
func (s *ForwardingService) forwardOnce(ctx context.Context) {
	for {
		batch := s.source.Drain(s.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}
		if _, err := s.sender.Send(ctx, batch); err != nil {
			s.source.Requeue(batch)
			s.logger.WithFields(logrus.Fields{
				"readings": len(batch),
				"error":    err,
			}).Warn("Batch deferred, will retry next interval")
			return
		}
	}
}
