// Package reconcile keeps the set of loaded writer drives in line with the
// merged writers view.
package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/codrive/codrive/internal/metrics"
	"github.com/codrive/codrive/internal/writers"
	"github.com/codrive/codrive/pkg/drive"
	"github.com/rs/zerolog"
)

// DriveSet is the composed set of loaded drives the synchronizer mutates.
type DriveSet interface {
	Key() drive.Key
	HasDrive(key drive.Key) bool
	AddDrive(d drive.Drive) bool
	RemoveDrive(key drive.Key) (drive.Drive, bool)
	CloseRemoved(d drive.Drive) error // closes once no reader holds d
	Keys() []drive.Key
	Len() int
}

// ViewSource computes the merged writers view.
type ViewSource interface {
	MergedView(ctx context.Context) (writers.View, error)
}

// Config contains configuration for the synchronizer.
type Config struct {
	Drives       DriveSet
	Views        ViewSource
	Factory      drive.Factory
	DriveOptions drive.Options // writer drives additionally get Announce and Lookup disabled
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	OnError      func(error) // failures of background passes
}

// Synchronizer loads and unloads writer drives. All mutation of the drive
// set happens inside one exclusive region, and Sync requests that arrive
// while a pass is running are coalesced into a single follow-up pass.
type Synchronizer struct {
	drives  DriveSet
	views   ViewSource
	factory drive.Factory
	opts    drive.Options
	logger  zerolog.Logger
	metrics *metrics.Metrics
	onError func(error)

	// applyMu is the exclusive region over the drive set.
	applyMu sync.Mutex
	watches map[drive.Key]func()

	mu      sync.Mutex
	running bool
	next    *pass
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// pass is a queued follow-up whose result is shared by every coalesced caller.
type pass struct {
	done chan struct{}
	err  error
}

// New creates a synchronizer.
func New(config Config) *Synchronizer {
	ctx, cancel := context.WithCancel(context.Background())

	opts := config.DriveOptions
	opts.Announce = false
	opts.Lookup = false

	onError := config.OnError
	if onError == nil {
		onError = func(error) {}
	}

	return &Synchronizer{
		drives:  config.Drives,
		views:   config.Views,
		factory: config.Factory,
		opts:    opts,
		logger:  config.Logger.With().Str("component", "reconcile").Logger(),
		metrics: config.Metrics,
		onError: onError,
		watches: make(map[drive.Key]func()),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Reconcile makes the drive set match view: inactive loaded writers are
// unloaded, active missing writers are loaded, the primary is skipped.
// Every key is processed even if earlier keys fail; the last failure is
// returned wrapped in an AggregateError.
func (s *Synchronizer) Reconcile(ctx context.Context, view writers.View) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	primary := s.drives.Key()
	var (
		lastErr error
		failed  int
	)

	for _, key := range sortedKeys(view) {
		if key == primary {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		entry := view[key]
		loaded := s.drives.HasDrive(key)

		var err error
		switch {
		case !entry.Active && loaded:
			err = s.unload(key)
			s.metrics.RecordWriterOp("unload", err)
		case entry.Active && !loaded:
			err = s.load(ctx, key)
			s.metrics.RecordWriterOp("load", err)
		default:
			continue
		}

		if err != nil {
			s.logger.Warn().Err(err).Str("writer", key.String()).Msg("Writer operation failed")
			lastErr = err
			failed++
		}
	}

	s.metrics.SetLoadedDrives(primary.Short(), s.drives.Len())

	if lastErr != nil {
		return &AggregateError{Last: lastErr, Failed: failed}
	}
	return nil
}

// load opens the writer drive for key and adds it to the set. Caller holds applyMu.
func (s *Synchronizer) load(ctx context.Context, key drive.Key) error {
	d, err := s.factory.Open(key.String(), s.opts)
	if err != nil {
		return &LoadError{Key: key, Err: err}
	}
	if err := d.Ready(ctx); err != nil {
		_ = d.Close()
		return &LoadError{Key: key, Err: err}
	}
	if !s.drives.AddDrive(d) {
		_ = d.Close()
		return nil
	}

	s.watches[key] = d.Watch(func() {
		s.Trigger("update")
	})

	s.logger.Info().
		Str("writer", key.String()).
		Bool("writable", d.Writable()).
		Msg("Loaded writer drive")
	return nil
}

// unload removes the writer drive for key and closes it. Caller holds applyMu.
func (s *Synchronizer) unload(key drive.Key) error {
	d, ok := s.drives.RemoveDrive(key)
	if !ok {
		return nil
	}
	if cancel, ok := s.watches[key]; ok {
		cancel()
		delete(s.watches, key)
	}

	if err := s.drives.CloseRemoved(d); err != nil {
		return &UnloadError{Key: key, Err: err}
	}

	s.logger.Info().Str("writer", key.String()).Msg("Unloaded writer drive")
	return nil
}

// Sync computes the merged view and reconciles against it. If a pass is
// already running the call waits for one follow-up pass started after the
// current one finishes; all callers waiting on it share its result.
func (s *Synchronizer) Sync(ctx context.Context) error {
	return s.sync(ctx, "manual")
}

func (s *Synchronizer) sync(ctx context.Context, trigger string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.running {
		if s.next == nil {
			s.next = &pass{done: make(chan struct{})}
		}
		p := s.next
		s.mu.Unlock()

		select {
		case <-p.done:
			return p.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.running = true
	s.mu.Unlock()

	err := s.runPass(trigger)

	s.mu.Lock()
	switch {
	case s.next == nil:
		s.running = false
	case s.closed:
		s.failPending()
	default:
		s.wg.Add(1)
		go s.drain()
	}
	s.mu.Unlock()

	return err
}

// drain runs queued follow-up passes until none remain.
func (s *Synchronizer) drain() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		p := s.next
		s.next = nil
		if p == nil {
			s.running = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		p.err = s.runPass("coalesced")
		close(p.done)
	}
}

// failPending resolves a queued pass with ErrClosed. Caller holds s.mu.
func (s *Synchronizer) failPending() {
	if s.next != nil {
		s.next.err = ErrClosed
		close(s.next.done)
		s.next = nil
	}
	s.running = false
}

func (s *Synchronizer) runPass(trigger string) error {
	start := time.Now()

	view, err := s.views.MergedView(s.ctx)
	if err == nil {
		err = s.Reconcile(s.ctx, view)
	}

	s.metrics.RecordReconcile(trigger, time.Since(start), err)
	s.logger.Debug().
		Str("trigger", trigger).
		Dur("elapsed", time.Since(start)).
		AnErr("error", err).
		Msg("Reconcile pass")
	return err
}

// Trigger schedules a background pass. Failures go to the configured
// OnError handler.
func (s *Synchronizer) Trigger(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.sync(s.ctx, reason); err != nil && s.ctx.Err() == nil {
			s.logger.Error().Err(err).Str("trigger", reason).Msg("Background reconcile failed")
			s.onError(err)
		}
	}()
}

// Close stops background passes and releases every loaded writer drive.
// The primary is left open.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	primary := s.drives.Key()
	var lastErr error
	for _, key := range s.drives.Keys() {
		if key == primary {
			continue
		}
		if err := s.unload(key); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func sortedKeys(view writers.View) []drive.Key {
	keys := make([]drive.Key, 0, len(view))
	for key := range view {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}
