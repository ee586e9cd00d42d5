// Package sync periodically exports stored events to backup destinations.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/alfredjeanlab/booger/internal/store"
)

// Destination is a sync target (S3, git).
type Destination interface {
	// Write sends the size-byte JSONL payload read from body.
	Write(ctx context.Context, body io.ReadSeeker, size int64) error
}

// Scheduler runs periodic exports to one or more destinations.
type Scheduler struct {
	store        store.Store
	destinations []Destination
	interval     time.Duration
	logger       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler that exports from the store to the given
// destinations at the specified interval.
func NewScheduler(s store.Store, destinations []Destination, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:        s,
		destinations: destinations,
		interval:     interval,
		logger:       logger,
	}
}

// Start runs an export immediately and then on each tick until ctx is done
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop cancels the scheduler and waits for the current export (if any) to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	if err := s.SyncOnce(ctx); err != nil {
		s.logger.Error("sync failed", "err", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil {
				s.logger.Error("sync failed", "err", err)
			}
		}
	}
}

// SyncOnce exports the store and writes the payload to every destination.
// A failing destination does not stop the others; their errors are joined.
func (s *Scheduler) SyncOnce(ctx context.Context) error {
	out, err := os.CreateTemp(spoolDir, "booger-sync-*.jsonl")
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer removeSpool(out)
	if err := ExportJSONL(ctx, s.store, out); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	size, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("export size: %w", err)
	}

	var errs []error
	for i, dest := range s.destinations {
		if err := dest.Write(ctx, io.NewSectionReader(out, 0, size), size); err != nil {
			errs = append(errs, fmt.Errorf("destination %d: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	s.logger.Info("sync completed", "destinations", len(s.destinations), "bytes", size)
	return nil
}
