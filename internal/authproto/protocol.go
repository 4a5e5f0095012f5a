// Package authproto runs the writer authorization exchange over a drive
// extension channel.
//
// A node asks its connected peers to make a key an active writer by
// sending each of them a request and waiting for the first peer to allow or
// deny it. Peers that cannot write to the shared drive answer with ignore.
// Responses are routed to the waiting request by correlation id, so any
// number of requests may be in flight at once.
package authproto

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codrive/codrive/internal/metrics"
	"github.com/codrive/codrive/pkg/drive"
	"github.com/codrive/codrive/pkg/proto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds how long a request waits for a decisive response.
	DefaultTimeout = 60 * time.Second

	// DefaultRateLimit is the number of inbound requests answered per second.
	DefaultRateLimit = 100

	// DefaultRateBurst is the inbound request burst size.
	DefaultRateBurst = 20

	// duplicateWindow is how long an answered request id is remembered per peer.
	duplicateWindow = 2 * DefaultTimeout
)

// Recorder persists writer status changes.
type Recorder interface {
	SetStatus(ctx context.Context, key drive.Key, active bool) error
}

// Syncer brings the loaded drive set in line with the merged writers view.
type Syncer interface {
	Sync(ctx context.Context) error
}

// Config contains configuration for the protocol.
type Config struct {
	Drive     drive.Drive // drive the extension is registered on
	Writable  func() bool // reports local write capability
	Recorder  Recorder
	Syncer    Syncer
	Policy    Policy        // decides inbound requests (default: DenyAll)
	Timeout   time.Duration // outbound request timeout (default: 60s)
	RateLimit float64       // inbound requests per second (default: 100)
	RateBurst int           // inbound burst (default: 20)
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

// Protocol answers inbound authorization requests and runs outbound ones.
type Protocol struct {
	drive    drive.Drive
	writable func() bool
	recorder Recorder
	syncer   Syncer
	policy   Policy
	timeout  time.Duration
	limiter  *rate.Limiter
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	pendingMu sync.Mutex
	pending   map[string]*request // map[requestID]*request

	answeredMu sync.Mutex
	answered   map[string]time.Time // map[peerID/requestID]firstSeen

	mu             sync.Mutex
	closed         bool
	ext            drive.Extension // set by Start
	cancelPeerOpen func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// request tracks an outbound request until it reaches a terminal state.
type request struct {
	id  string
	key drive.Key

	mu    sync.Mutex
	state State
	done  chan struct{}
	sent  map[string]struct{} // peer ids the request was sent to
}

func newRequest(key drive.Key) *request {
	return &request{
		id:   uuid.NewString(),
		key:  key,
		done: make(chan struct{}),
		sent: make(map[string]struct{}),
	}
}

// markSent records peerID as a recipient. It returns false if the request
// was already sent to that peer or is no longer waiting.
func (r *request) markSent(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateWaiting {
		return false
	}
	if _, ok := r.sent[peerID]; ok {
		return false
	}
	r.sent[peerID] = struct{}{}
	return true
}

// transition moves the request to target. Only the first transition out of
// StateWaiting succeeds.
func (r *request) transition(target State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.state.CanTransitionTo(target) {
		return false
	}
	r.state = target
	close(r.done)
	return true
}

func (r *request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// New creates a protocol. It neither sends nor answers requests until Start.
func New(config Config) *Protocol {
	if config.Policy == nil {
		config.Policy = DenyAll
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.RateLimit <= 0 {
		config.RateLimit = DefaultRateLimit
	}
	if config.RateBurst <= 0 {
		config.RateBurst = DefaultRateBurst
	}
	if config.Writable == nil {
		config.Writable = config.Drive.Writable
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Protocol{
		drive:    config.Drive,
		writable: config.Writable,
		recorder: config.Recorder,
		syncer:   config.Syncer,
		policy:   config.Policy,
		timeout:  config.Timeout,
		limiter:  rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		logger: config.Logger.With().
			Str("component", "authproto").
			Str("drive", config.Drive.Key().Short()).
			Logger(),
		metrics: config.Metrics,
		pending:  make(map[string]*request),
		answered: make(map[string]time.Time),
		ctx:      ctx,
		cancel:  cancel,
	}

	return p
}

// Start registers the extension on the drive and begins answering inbound
// requests. The drive should be ready. Starting twice is a no-op.
func (p *Protocol) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.ext != nil {
		return nil
	}

	p.logger.Info().Msg("Starting authorization protocol")
	p.ext = p.drive.RegisterExtension(proto.AuthExtension, p.handleMessage)
	p.cancelPeerOpen = p.drive.OnPeerOpen(p.handlePeerOpen)
	return nil
}

func (p *Protocol) extension() drive.Extension {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ext
}

// Timeout returns the outbound request timeout.
func (p *Protocol) Timeout() time.Duration {
	return p.timeout
}

// Authorize records key as an active writer and reconciles.
func (p *Protocol) Authorize(ctx context.Context, key drive.Key) error {
	return p.setStatus(ctx, key, true)
}

// Deauthorize records key as inactive and reconciles.
func (p *Protocol) Deauthorize(ctx context.Context, key drive.Key) error {
	return p.setStatus(ctx, key, false)
}

func (p *Protocol) setStatus(ctx context.Context, key drive.Key, active bool) error {
	if err := p.recorder.SetStatus(ctx, key, active); err != nil {
		return err
	}
	if err := p.syncer.Sync(ctx); err != nil {
		return fmt.Errorf("reconcile after status change: %w", err)
	}
	return nil
}

// RequestAuthorization asks connected peers to make key an active writer.
// A node that can already write authorizes key locally. Otherwise the
// request is broadcast and the first allow or deny wins; on allow the
// drive set is reconciled before returning so the new writer is loaded.
//
// A denied request returns false with a nil error. A request with no
// decisive response within the timeout returns a *TimeoutError. If the
// request was allowed but reconciliation failed, allowed is true and the
// reconciliation error is returned.
func (p *Protocol) RequestAuthorization(ctx context.Context, key drive.Key) (allowed bool, err error) {
	if p.writable() {
		p.logger.Debug().Str("writer", key.String()).Msg("Already a writer, authorizing locally")
		if err := p.Authorize(ctx, key); err != nil {
			return false, err
		}
		return true, nil
	}

	if p.extension() == nil {
		return false, ErrNotStarted
	}

	start := time.Now()
	state := p.await(ctx, key)
	p.metrics.RecordAuthRequest(state.String(), time.Since(start))

	switch state {
	case StateAllowed:
		p.logger.Info().Str("writer", key.String()).Msg("Authorization granted")
		if err := p.syncer.Sync(ctx); err != nil {
			return true, fmt.Errorf("load writers after authorization: %w", err)
		}
		return true, nil

	case StateDenied:
		p.logger.Info().Str("writer", key.String()).Msg("Authorization denied")
		return false, nil

	case StateTimedOut:
		p.logger.Warn().
			Str("writer", key.String()).
			Dur("timeout", p.timeout).
			Msg("Authorization request timed out")
		return false, &TimeoutError{Key: key, After: p.timeout}

	default:
		if err := ctx.Err(); err != nil {
			return false, err
		}
		return false, ErrClosed
	}
}

// await sends a request for key to every connected peer and blocks until it
// reaches a terminal state. Peers connecting while it waits are sent the
// request by handlePeerOpen; each peer receives it at most once.
func (p *Protocol) await(ctx context.Context, key drive.Key) State {
	req := newRequest(key)
	p.track(req)
	defer p.untrack(req.id)

	peers := p.drive.Peers()
	for _, peer := range peers {
		p.sendRequest(req, peer)
	}

	p.logger.Debug().
		Str("request_id", req.id).
		Str("writer", key.String()).
		Int("peers", len(peers)).
		Msg("Authorization request sent")

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-req.done:
	case <-timer.C:
		req.transition(StateTimedOut)
	case <-ctx.Done():
		req.transition(StateAbandoned)
	case <-p.ctx.Done():
		req.transition(StateAbandoned)
	}

	// A response may have won the race against the timer.
	return req.State()
}

func (p *Protocol) track(req *request) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	p.pending[req.id] = req
}

func (p *Protocol) untrack(id string) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	delete(p.pending, id)
}

func (p *Protocol) pendingRequests() []*request {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()

	reqs := make([]*request, 0, len(p.pending))
	for _, req := range p.pending {
		reqs = append(reqs, req)
	}
	return reqs
}

// match returns the pending requests a response is addressed to. A response
// with an id matches that request only; one without matches every request
// for the same key.
func (p *Protocol) match(msg *proto.AuthMessage) []*request {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()

	if msg.ID != "" {
		req, ok := p.pending[msg.ID]
		if !ok || req.key != msg.Key {
			return nil
		}
		return []*request{req}
	}

	var reqs []*request
	for _, req := range p.pending {
		if req.key == msg.Key {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

// sendRequest sends req to peer unless it was already sent there.
func (p *Protocol) sendRequest(req *request, peer drive.Peer) {
	ext := p.extension()
	if ext == nil || !req.markSent(peer.ID()) {
		return
	}

	data, err := proto.NewAuthRequest(req.id, req.key).Marshal()
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to encode authorization request")
		return
	}
	if err := ext.Send(data, peer); err != nil {
		p.logger.Debug().Err(err).Str("peer", peer.ID()).Str("request_id", req.id).Msg("Failed to send request")
	}
}

// handlePeerOpen sends pending requests to a newly connected peer.
func (p *Protocol) handlePeerOpen(peer drive.Peer) {
	if p.ctx.Err() != nil {
		return
	}
	for _, req := range p.pendingRequests() {
		p.sendRequest(req, peer)
	}
}

// firstDelivery reports whether a request id arrives from peer for the first
// time within duplicateWindow. Requests without an id are never deduplicated.
func (p *Protocol) firstDelivery(from drive.Peer, id string) bool {
	if id == "" {
		return true
	}

	now := time.Now()
	k := from.ID() + "/" + id

	p.answeredMu.Lock()
	defer p.answeredMu.Unlock()

	for seen, at := range p.answered {
		if now.Sub(at) > duplicateWindow {
			delete(p.answered, seen)
		}
	}
	if _, ok := p.answered[k]; ok {
		return false
	}
	p.answered[k] = now
	return true
}

func (p *Protocol) handleMessage(data []byte, from drive.Peer) {
	if p.ctx.Err() != nil {
		return
	}

	msg, err := proto.UnmarshalAuthMessage(data)
	if err != nil {
		p.logger.Warn().Err(err).Str("peer", from.ID()).Msg("Dropping malformed authorization message")
		return
	}

	if msg.Type == proto.AuthRequest {
		p.handleRequest(msg, from)
		return
	}
	p.handleResponse(msg, from)
}

func (p *Protocol) handleResponse(msg *proto.AuthMessage, from drive.Peer) {
	if msg.Type == proto.AuthIgnore {
		p.logger.Debug().
			Str("peer", from.ID()).
			Str("request_id", msg.ID).
			Msg("Peer cannot adjudicate request")
		return
	}

	target := StateDenied
	if msg.Type == proto.AuthAllow {
		target = StateAllowed
	}

	reqs := p.match(msg)
	if len(reqs) == 0 {
		p.logger.Debug().
			Str("peer", from.ID()).
			Str("request_id", msg.ID).
			Str("type", string(msg.Type)).
			Msg("Response for unknown or finished request")
		return
	}

	for _, req := range reqs {
		if req.transition(target) {
			p.logger.Debug().
				Str("peer", from.ID()).
				Str("request_id", req.id).
				Str("state", target.String()).
				Msg("Request resolved")
		}
	}
}

func (p *Protocol) handleRequest(msg *proto.AuthMessage, from drive.Peer) {
	if !p.firstDelivery(from, msg.ID) {
		p.logger.Debug().
			Str("peer", from.ID()).
			Str("request_id", msg.ID).
			Msg("Dropping duplicate authorization request")
		return
	}

	if !p.limiter.Allow() {
		p.logger.Warn().Str("peer", from.ID()).Msg("Rate limit exceeded, ignoring authorization request")
		p.reply(msg, proto.AuthIgnore, from)
		return
	}

	if !p.writable() {
		p.reply(msg, proto.AuthIgnore, from)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	// Policies may block, and handlers run on the drive's delivery loop.
	go func() {
		defer p.wg.Done()
		p.reply(msg, p.decide(msg.Key, from), from)
	}()
}

// decide consults the policy and, on approval, records the writer.
func (p *Protocol) decide(key drive.Key, from drive.Peer) proto.AuthType {
	allowed, err := p.policy.Decide(p.ctx, key, from)
	if err != nil {
		p.logger.Warn().Err(err).Str("writer", key.String()).Msg("Authorization policy failed")
		return proto.AuthDeny
	}
	if !allowed {
		p.logger.Info().Str("writer", key.String()).Str("peer", from.ID()).Msg("Policy denied writer")
		return proto.AuthDeny
	}

	if err := p.recorder.SetStatus(p.ctx, key, true); err != nil {
		p.logger.Error().Err(err).Str("writer", key.String()).Msg("Failed to record authorized writer")
		return proto.AuthDeny
	}

	p.logger.Info().Str("writer", key.String()).Str("peer", from.ID()).Msg("Authorized writer")
	return proto.AuthAllow
}

func (p *Protocol) reply(msg *proto.AuthMessage, t proto.AuthType, to drive.Peer) {
	p.metrics.RecordInbound(string(t))

	data, err := msg.Reply(t).Marshal()
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to encode authorization response")
		return
	}
	if err := p.extension().Send(data, to); err != nil {
		p.logger.Warn().Err(err).Str("peer", to.ID()).Str("type", string(t)).Msg("Failed to send response")
	}
}

// Close abandons pending requests and waits for in-flight policy decisions.
func (p *Protocol) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancelPeerOpen := p.cancelPeerOpen
	p.mu.Unlock()

	p.cancel()
	if cancelPeerOpen != nil {
		cancelPeerOpen()
	}
	p.wg.Wait()
	return nil
}
