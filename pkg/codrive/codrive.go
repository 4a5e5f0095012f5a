// Package codrive composes a primary drive with the writer drives its owner
// has authorized, and runs the peer-to-peer exchange through which other
// nodes ask to become writers.
//
// Membership is stored per drive as a record of timestamped writer entries.
// Every node merges the records of all loaded drives by last write wins and
// loads or unloads writer drives to match. A handle becomes ready once the
// primary is open and the first merge has been applied; every operation
// waits for that.
package codrive

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/codrive/codrive/internal/authproto"
	"github.com/codrive/codrive/internal/metrics"
	"github.com/codrive/codrive/internal/multidrive"
	"github.com/codrive/codrive/internal/ready"
	"github.com/codrive/codrive/internal/reconcile"
	"github.com/codrive/codrive/internal/writers"
	"github.com/codrive/codrive/pkg/drive"
	"github.com/rs/zerolog"
)

type (
	// View is the merged writer membership.
	View = writers.View

	// WriterEntry is one writer's membership state.
	WriterEntry = writers.Entry
)

// Drive is a multi-writer drive handle.
type Drive struct {
	primary drive.Drive
	set     *multidrive.MultiDrive
	store   *writers.Store
	sync    *reconcile.Synchronizer
	auth    *authproto.Protocol
	ready   *ready.Signal
	logger  zerolog.Logger
	onError func(error)

	cancelWatch func()

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open opens the primary drive nameOrKey through factory and starts loading
// its writers in the background. Use Ready to wait for the initial load.
func Open(factory drive.Factory, nameOrKey string, opts Options) (*Drive, error) {
	opts = opts.withDefaults()

	primary, err := factory.Open(nameOrKey, opts.Drive)
	if err != nil {
		return nil, fmt.Errorf("open primary %q: %w", nameOrKey, err)
	}

	var m *metrics.Metrics
	if opts.Metrics != nil {
		m = metrics.Init(opts.Metrics)
	}

	logger := opts.Logger.With().Str("primary", primary.Key().Short()).Logger()
	ctx, cancel := context.WithCancel(context.Background())

	d := &Drive{
		primary: primary,
		set:     multidrive.New(primary),
		ready:   ready.New(),
		logger:  logger,
		onError: opts.OnError,
		ctx:     ctx,
		cancel:  cancel,
	}

	d.store = writers.NewStore(writers.Config{
		Source: d.set,
		Logger: logger,
	})

	d.sync = reconcile.New(reconcile.Config{
		Drives:       d.set,
		Views:        d.store,
		Factory:      factory,
		DriveOptions: opts.Drive,
		Logger:       logger,
		Metrics:      m,
		OnError:      d.reportError,
	})

	d.auth = authproto.New(authproto.Config{
		Drive:     primary,
		Writable:  d.Writable,
		Recorder:  d.store,
		Syncer:    d.sync,
		Policy:    opts.OnAuth,
		Timeout:   opts.AuthTimeout,
		RateLimit: opts.InboundRateLimit,
		RateBurst: opts.InboundRateBurst,
		Logger:    logger,
		Metrics:   m,
	})

	// Remote owners publish membership changes on the primary.
	d.cancelWatch = primary.Watch(func() {
		d.sync.Trigger("primary")
	})

	d.wg.Add(1)
	go d.start()

	return d, nil
}

func (d *Drive) start() {
	defer d.wg.Done()

	if err := d.primary.Ready(d.ctx); err != nil {
		d.fireReady(err)
		return
	}
	if err := d.auth.Start(); err != nil {
		d.fireReady(err)
		return
	}
	d.fireReady(d.sync.Sync(d.ctx))
}

func (d *Drive) fireReady(err error) {
	if err != nil && d.ctx.Err() == nil {
		err = &ReadinessError{Err: err}
		d.logger.Error().Err(err).Msg("Initial load failed")
		d.reportError(err)
	}
	if d.ready.Fire(err) {
		d.logger.Info().Int("drives", d.set.Len()).Msg("Drive ready")
	}
}

func (d *Drive) reportError(err error) {
	d.onError(err)
}

// Ready blocks until the initial load completes. It returns a
// *ReadinessError if that load failed; the handle remains usable.
func (d *Drive) Ready(ctx context.Context) error {
	err := d.ready.Wait(ctx)
	if errors.Is(err, ready.ErrClosed) {
		return ErrClosed
	}
	return err
}

// awaitReady waits for readiness. Readiness errors do not block operations.
func (d *Drive) awaitReady(ctx context.Context) error {
	err := d.ready.Wait(ctx)
	if errors.Is(err, ready.ErrClosed) || d.isClosed() {
		return ErrClosed
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return nil
}

// Key returns the primary drive's identity.
func (d *Drive) Key() drive.Key {
	return d.primary.Key()
}

// Primary returns the primary drive.
func (d *Drive) Primary() drive.Drive {
	return d.primary
}

// Writable reports whether this node can write to the composed drive,
// either as the primary's owner or through a loaded writer it owns.
func (d *Drive) Writable() bool {
	return d.set.WriterOrPrimary().Writable()
}

// Drives returns the loaded drives, primary first.
func (d *Drive) Drives() []drive.Drive {
	return d.set.Drives()
}

// HasDrive reports whether a drive for key is loaded.
func (d *Drive) HasDrive(key drive.Key) bool {
	return d.set.HasDrive(key)
}

// Authorize records key as an active writer and reconciles the loaded
// drives. A failure to write the record is returned as a *StorageError. If
// the record was written but the follow-up reconciliation failed, that
// error is returned instead; the authorization itself stands.
func (d *Drive) Authorize(ctx context.Context, key drive.Key) error {
	if err := d.awaitReady(ctx); err != nil {
		return err
	}
	return closedErr(d.auth.Authorize(ctx, key))
}

// Deauthorize records key as an inactive writer and reconciles. Errors are
// reported as for Authorize: the record stands even if reconciliation fails.
func (d *Drive) Deauthorize(ctx context.Context, key drive.Key) error {
	if err := d.awaitReady(ctx); err != nil {
		return err
	}
	return closedErr(d.auth.Deauthorize(ctx, key))
}

// RequestAuthorization asks connected peers to make key an active writer.
// It returns false with a nil error if a peer denied the request, and a
// *TimeoutError if no peer decided within the configured timeout.
func (d *Drive) RequestAuthorization(ctx context.Context, key drive.Key) (bool, error) {
	if err := d.awaitReady(ctx); err != nil {
		return false, err
	}
	allowed, err := d.auth.RequestAuthorization(ctx, key)
	return allowed, closedErr(err)
}

// MergedView returns the current merged writer membership.
func (d *Drive) MergedView(ctx context.Context) (View, error) {
	if err := d.awaitReady(ctx); err != nil {
		return nil, err
	}
	return d.store.MergedView(ctx)
}

// Sync reconciles the loaded drives with the merged membership.
func (d *Drive) Sync(ctx context.Context) error {
	if err := d.awaitReady(ctx); err != nil {
		return err
	}
	return closedErr(d.sync.Sync(ctx))
}

// ResolveLatest reconciles, then returns the loaded drive holding the most
// recently modified copy of name. A later reconciliation may unload the
// returned drive; use ReadFile to read through the composed view.
func (d *Drive) ResolveLatest(ctx context.Context, name string) (drive.Drive, error) {
	if err := d.Sync(ctx); err != nil {
		return nil, err
	}
	return d.set.ResolveLatest(ctx, name)
}

// ReadFile reads name from the drive that holds its latest copy.
func (d *Drive) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if err := d.Sync(ctx); err != nil {
		return nil, err
	}
	return d.set.ReadFile(ctx, name)
}

// WriteFile writes name to the local writer drive, or to the primary if no
// writer owned by this node is loaded.
func (d *Drive) WriteFile(ctx context.Context, name string, data []byte) error {
	if err := d.awaitReady(ctx); err != nil {
		return err
	}
	return d.set.WriteFile(ctx, name, data)
}

// Peers returns the peers connected on the primary drive.
func (d *Drive) Peers() []drive.Peer {
	return d.primary.Peers()
}

// OnPeerOpen registers fn to run when a peer connects on the primary drive.
func (d *Drive) OnPeerOpen(fn func(drive.Peer)) (cancel func()) {
	return d.primary.OnPeerOpen(fn)
}

// closedErr maps shutdown errors of the internal components to ErrClosed.
func closedErr(err error) error {
	if errors.Is(err, authproto.ErrClosed) || errors.Is(err, reconcile.ErrClosed) {
		return ErrClosed
	}
	return err
}

func (d *Drive) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close stops the protocol, releases writer drives and closes the primary.
func (d *Drive) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.cancelWatch()
	d.ready.Close()
	d.wg.Wait()

	var errs []error
	if err := d.auth.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.sync.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close primary: %w", err))
	}

	d.logger.Debug().Msg("Drive closed")
	return errors.Join(errs...)
}
