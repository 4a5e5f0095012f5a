package authproto

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codrive/codrive/internal/memdrive"
	"github.com/codrive/codrive/internal/testutil"
	"github.com/codrive/codrive/pkg/drive"
	"github.com/codrive/codrive/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusCall struct {
	key    drive.Key
	active bool
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []statusCall
	err   error
}

func (r *fakeRecorder) SetStatus(ctx context.Context, key drive.Key, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, statusCall{key: key, active: active})
	return nil
}

func (r *fakeRecorder) Calls() []statusCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]statusCall(nil), r.calls...)
}

type fakeSyncer struct {
	count atomic.Int32
	err   error
}

func (s *fakeSyncer) Sync(ctx context.Context) error {
	s.count.Add(1)
	return s.err
}

type node struct {
	drive    *memdrive.Drive
	proto    *Protocol
	recorder *fakeRecorder
	syncer   *fakeSyncer
}

func startNode(t *testing.T, d *memdrive.Drive, policy Policy, timeout time.Duration) *node {
	t.Helper()
	n := &node{
		drive:    d,
		recorder: &fakeRecorder{},
		syncer:   &fakeSyncer{},
	}
	n.proto = New(Config{
		Drive:    d,
		Recorder: n.recorder,
		Syncer:   n.syncer,
		Policy:   policy,
		Timeout:  timeout,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, n.proto.Start())
	t.Cleanup(func() { _ = n.proto.Close() })
	return n
}

// testNet is a swarm with a drive owned by node "owner".
type testNet struct {
	swarm *memdrive.Swarm
	key   drive.Key
	owner *memdrive.Node
}

func newTestNet(t *testing.T) *testNet {
	t.Helper()
	swarm := memdrive.NewSwarm(zerolog.Nop())
	owner := swarm.NewNode("owner")
	d, err := owner.OpenDrive("primary", drive.Options{})
	require.NoError(t, err)
	return &testNet{swarm: swarm, key: d.Key(), owner: owner}
}

// open opens the shared drive on nodeID without joining the swarm.
func (n *testNet) open(t *testing.T, nodeID string) *memdrive.Drive {
	t.Helper()
	owner := n.owner
	if nodeID != "owner" {
		owner = n.swarm.NewNode(nodeID)
	}
	d, err := owner.OpenDrive(n.key.String(), drive.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// responder answers requests on a raw extension.
type responder struct {
	ext      drive.Extension
	requests chan *proto.AuthMessage
}

func newResponder(t *testing.T, d *memdrive.Drive, answer func(ext drive.Extension, msg *proto.AuthMessage, from drive.Peer)) *responder {
	t.Helper()
	r := &responder{requests: make(chan *proto.AuthMessage, 16)}
	r.ext = d.RegisterExtension(proto.AuthExtension, func(data []byte, from drive.Peer) {
		msg, err := proto.UnmarshalAuthMessage(data)
		if err != nil || msg.Type != proto.AuthRequest {
			return
		}
		r.requests <- msg
		if answer != nil {
			answer(r.ext, msg, from)
		}
	})
	return r
}

func send(ext drive.Extension, msg *proto.AuthMessage, to drive.Peer) {
	data, err := msg.Marshal()
	if err != nil {
		panic(err)
	}
	_ = ext.Send(data, to)
}

// collector records responses arriving on a raw extension.
func collector(d *memdrive.Drive) (drive.Extension, chan *proto.AuthMessage) {
	replies := make(chan *proto.AuthMessage, 16)
	ext := d.RegisterExtension(proto.AuthExtension, func(data []byte, from drive.Peer) {
		msg, err := proto.UnmarshalAuthMessage(data)
		if err == nil && msg.Type.IsResponse() {
			replies <- msg
		}
	})
	return ext, replies
}

func waitPeer(t *testing.T, d *memdrive.Drive) drive.Peer {
	t.Helper()
	testutil.Eventually(t, 2*time.Second, func() bool { return len(d.Peers()) > 0 }, "no peer connected")
	return d.Peers()[0]
}

func key(b byte) drive.Key {
	var k drive.Key
	k[0] = b
	return k
}

func TestState_Transitions(t *testing.T) {
	assert.False(t, StateWaiting.IsTerminal())
	for _, s := range []State{StateAllowed, StateDenied, StateTimedOut, StateAbandoned} {
		assert.True(t, s.IsTerminal(), s.String())
		assert.True(t, StateWaiting.CanTransitionTo(s))
		assert.False(t, s.CanTransitionTo(StateAllowed))
	}
	assert.False(t, StateWaiting.CanTransitionTo(StateWaiting))
	assert.Equal(t, "unknown(42)", State(42).String())
}

func TestRequest_FirstDecisiveResponseWins(t *testing.T) {
	req := newRequest(key(1))
	assert.True(t, req.transition(StateAllowed))
	assert.False(t, req.transition(StateDenied))
	assert.False(t, req.transition(StateTimedOut))
	assert.Equal(t, StateAllowed, req.State())
}

func TestRequestAuthorization_Allowed(t *testing.T) {
	ctx := testutil.Context(t)
	net := newTestNet(t)

	owner := startNode(t, net.open(t, "owner"), AllowAll, time.Second)
	clone := startNode(t, net.open(t, "clone"), DenyAll, time.Second)
	require.NoError(t, owner.drive.Join())
	require.NoError(t, clone.drive.Join())

	allowed, err := clone.proto.RequestAuthorization(ctx, key(7))
	require.NoError(t, err)
	assert.True(t, allowed)

	assert.Equal(t, []statusCall{{key: key(7), active: true}}, owner.recorder.Calls())
	assert.Empty(t, clone.recorder.Calls())
	assert.Equal(t, int32(1), clone.syncer.count.Load(), "allowed requests reload the writer view")
}

func TestRequestAuthorization_Denied(t *testing.T) {
	ctx := testutil.Context(t)
	net := newTestNet(t)

	owner := startNode(t, net.open(t, "owner"), nil, time.Second)
	clone := startNode(t, net.open(t, "clone"), nil, time.Second)
	require.NoError(t, owner.drive.Join())
	require.NoError(t, clone.drive.Join())

	allowed, err := clone.proto.RequestAuthorization(ctx, key(7))
	require.NoError(t, err, "a denial is not an error")
	assert.False(t, allowed)
	assert.Empty(t, owner.recorder.Calls())
	assert.Zero(t, clone.syncer.count.Load())
}

func TestRequestAuthorization_DeniedWhenRecordingFails(t *testing.T) {
	ctx := testutil.Context(t)
	net := newTestNet(t)

	owner := startNode(t, net.open(t, "owner"), AllowAll, time.Second)
	owner.recorder.err = errors.New("disk full")
	clone := startNode(t, net.open(t, "clone"), nil, time.Second)
	require.NoError(t, owner.drive.Join())
	require.NoError(t, clone.drive.Join())

	allowed, err := clone.proto.RequestAuthorization(ctx, key(7))
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestRequestAuthorization_PolicyErrorDenies(t *testing.T) {
	ctx := testutil.Context(t)
	net := newTestNet(t)

	policy := PolicyFunc(func(context.Context, drive.Key, drive.Peer) (bool, error) {
		return true, errors.New("policy backend down")
	})
	owner := startNode(t, net.open(t, "owner"), policy, time.Second)
	clone := startNode(t, net.open(t, "clone"), nil, time.Second)
	require.NoError(t, owner.drive.Join())
	require.NoError(t, clone.drive.Join())

	allowed, err := clone.proto.RequestAuthorization(ctx, key(7))
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Empty(t, owner.recorder.Calls())
}

func TestRequestAuthorization_TimesOut(t *testing.T) {
	ctx := testutil.Context(t)
	net := newTestNet(t)

	clone := startNode(t, net.open(t, "clone"), nil, 50*time.Millisecond)
	require.NoError(t, clone.drive.Join())

	start := time.Now()
	allowed, err := clone.proto.RequestAuthorization(ctx, key(7))
	assert.False(t, allowed)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, key(7), timeoutErr.Key)
	assert.Equal(t, 50*time.Millisecond, timeoutErr.After)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRequestAuthorization_IgnoreKeepsWaiting(t *testing.T) {
	ctx := testutil.Context(t)
	net := newTestNet(t)

	// Another non-writer with a permissive policy can only ignore.
	bystander := startNode(t, net.open(t, "bystander"), AllowAll, time.Second)
	clone := startNode(t, net.open(t, "clone"), nil, 100*time.Millisecond)
	require.NoError(t, bystander.drive.Join())
	require.NoError(t, clone.drive.Join())

	allowed, err := clone.proto.RequestAuthorization(ctx, key(7))
	assert.False(t, allowed)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Empty(t, bystander.recorder.Calls())
}

func TestRequestAuthorization_LateAllowDoesNotResolveTwice(t *testing.T) {
	ctx := testutil.Context(t)
	net := newTestNet(t)

	clone := startNode(t, net.open(t, "clone"), nil, 50*time.Millisecond)
	rd := net.open(t, "responder")
	r := newResponder(t, rd, nil)
	require.NoError(t, clone.drive.Join())
	require.NoError(t, rd.Join())

	_, err := clone.proto.RequestAuthorization(ctx, key(7))
	require.ErrorIs(t, err, ErrTimeout)

	// The request was seen but answered only after the deadline.
	var msg *proto.AuthMessage
	select {
	case msg = <-r.requests:
	case <-ctx.Done():
		t.Fatal("request never reached responder")
	}
	peer := waitPeer(t, rd)
	send(r.ext, msg.Reply(proto.AuthAllow), peer)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, clone.syncer.count.Load(), "late allow must not trigger a reload")
	assert.Empty(t, clone.proto.pendingRequests())
}

func TestRequestAuthorization_RacingResponses(t *testing.T) {
	ctx := testutil.Context(t)
	net := newTestNet(t)

	clone := startNode(t, net.open(t, "clone"), nil, time.Second)

	allowDrive := net.open(t, "fast")
	newResponder(t, allowDrive, func(ext drive.Extension, msg *proto.AuthMessage, from drive.Peer) {
		send(ext, msg.Reply(proto.AuthAllow), from)
	})
	denyDrive := net.open(t, "slow")
	newResponder(t, denyDrive, func(ext drive.Extension, msg *proto.AuthMessage, from drive.Peer) {
		time.Sleep(30 * time.Millisecond)
		send(ext, msg.Reply(proto.AuthDeny), from)
	})

	require.NoError(t, allowDrive.Join())
	require.NoError(t, denyDrive.Join())
	require.NoError(t, clone.drive.Join())

	allowed, err := clone.proto.RequestAuthorization(ctx, key(7))
	require.NoError(t, err)
	assert.True(t, allowed)

	// The later deny arrives after resolution and changes nothing.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), clone.syncer.count.Load())
}

func TestRequestAuthorization_ConcurrentRequestsAreCorrelated(t *testing.T) {
	ctx := testutil.Context(t)
	net := newTestNet(t)

	clone := startNode(t, net.open(t, "clone"), nil, 2*time.Second)

	// The responder allows key 1 and denies key 2, answering key 2 first
	// and omitting correlation ids so routing falls back to the key.
	rd := net.open(t, "responder")
	var (
		mu      sync.Mutex
		pending []*proto.AuthMessage
		peer    drive.Peer
	)
	newResponder(t, rd, func(ext drive.Extension, msg *proto.AuthMessage, from drive.Peer) {
		mu.Lock()
		defer mu.Unlock()
		pending = append(pending, msg)
		peer = from
		if len(pending) < 2 {
			return
		}
		for i := len(pending) - 1; i >= 0; i-- {
			reply := pending[i].Reply(proto.AuthDeny)
			if pending[i].Key == key(1) {
				reply.Type = proto.AuthAllow
			}
			reply.ID = ""
			send(ext, reply, peer)
		}
	})

	require.NoError(t, rd.Join())
	require.NoError(t, clone.drive.Join())

	type result struct {
		allowed bool
		err     error
	}
	results := make(map[drive.Key]chan result)
	for _, k := range []drive.Key{key(1), key(2)} {
		ch := make(chan result, 1)
		results[k] = ch
		go func(k drive.Key) {
			allowed, err := clone.proto.RequestAuthorization(ctx, k)
			ch <- result{allowed, err}
		}(k)
	}

	one := <-results[key(1)]
	two := <-results[key(2)]
	require.NoError(t, one.err)
	require.NoError(t, two.err)
	assert.True(t, one.allowed)
	assert.False(t, two.allowed)
}

func TestRequestAuthorization_ResponseRoutedByID(t *testing.T) {
	net := newTestNet(t)
	clone := startNode(t, net.open(t, "clone"), nil, time.Second)

	a := newRequest(key(1))
	b := newRequest(key(1))
	clone.proto.track(a)
	clone.proto.track(b)

	msg := proto.NewAuthRequest(b.id, key(1)).Reply(proto.AuthAllow)
	assert.Equal(t, []*request{b}, clone.proto.match(msg))

	msg.Key = key(2)
	assert.Empty(t, clone.proto.match(msg), "id and key must both match")

	msg = proto.NewAuthRequest("", key(1)).Reply(proto.AuthDeny)
	assert.Len(t, clone.proto.match(msg), 2)
}

func TestRequestAuthorization_SentToPeersJoiningLater(t *testing.T) {
	ctx := testutil.Context(t)
	net := newTestNet(t)

	clone := startNode(t, net.open(t, "clone"), nil, 2*time.Second)
	require.NoError(t, clone.drive.Join())

	owner := startNode(t, net.open(t, "owner"), AllowAll, time.Second)

	result := make(chan bool, 1)
	go func() {
		allowed, err := clone.proto.RequestAuthorization(ctx, key(9))
		assert.NoError(t, err)
		result <- allowed
	}()

	testutil.Eventually(t, time.Second, func() bool {
		return len(clone.proto.pendingRequests()) == 1
	}, "request not pending")
	require.NoError(t, owner.drive.Join())

	select {
	case allowed := <-result:
		assert.True(t, allowed)
	case <-ctx.Done():
		t.Fatal("request not delivered to late peer")
	}
	assert.Equal(t, []statusCall{{key: key(9), active: true}}, owner.recorder.Calls())
}

// countingPolicy allows every request and counts decisions.
type countingPolicy struct {
	decisions atomic.Int32
}

func (c *countingPolicy) Decide(context.Context, drive.Key, drive.Peer) (bool, error) {
	c.decisions.Add(1)
	return true, nil
}

func TestRequestAuthorization_OneDecisionPerRequest(t *testing.T) {
	for i := 0; i < 20; i++ {
		ctx := testutil.Context(t)
		net := newTestNet(t)

		policy := &countingPolicy{}
		owner := startNode(t, net.open(t, "owner"), policy, time.Second)
		clone := startNode(t, net.open(t, "clone"), nil, time.Second)
		require.NoError(t, owner.drive.Join())
		require.NoError(t, clone.drive.Join())

		allowed, err := clone.proto.RequestAuthorization(ctx, key(7))
		require.NoError(t, err)
		require.True(t, allowed)

		// Let any late peer-open callbacks run.
		time.Sleep(20 * time.Millisecond)
		require.Equal(t, int32(1), policy.decisions.Load(), "round %d", i)
		require.Len(t, owner.recorder.Calls(), 1, "round %d", i)
	}
}

func TestRequest_MarkSentOncePerPeer(t *testing.T) {
	req := newRequest(key(1))
	assert.True(t, req.markSent("owner"))
	assert.False(t, req.markSent("owner"))
	assert.True(t, req.markSent("other"))

	require.True(t, req.transition(StateAllowed))
	assert.False(t, req.markSent("late"), "finished requests are not sent")
}

func TestPassive_DuplicateRequestDecidedOnce(t *testing.T) {
	net := newTestNet(t)

	policy := &countingPolicy{}
	owner := startNode(t, net.open(t, "owner"), policy, time.Second)
	require.NoError(t, owner.drive.Join())

	raw := net.open(t, "clone")
	ext, replies := collector(raw)
	require.NoError(t, raw.Join())
	peer := waitPeer(t, raw)

	req := proto.NewAuthRequest("request-1", key(5))
	send(ext, req, peer)
	send(ext, req, peer)

	select {
	case reply := <-replies:
		assert.Equal(t, proto.AuthAllow, reply.Type)
		assert.Equal(t, "request-1", reply.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}

	select {
	case reply := <-replies:
		t.Fatalf("duplicate request answered again: %s", reply.Type)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, int32(1), policy.decisions.Load())
	assert.Len(t, owner.recorder.Calls(), 1)

	// A new id from the same peer is decided again.
	send(ext, proto.NewAuthRequest("request-2", key(5)), peer)
	select {
	case reply := <-replies:
		assert.Equal(t, "request-2", reply.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply to second request")
	}
	assert.Equal(t, int32(2), policy.decisions.Load())
}

func TestRequestAuthorization_WriterAuthorizesLocally(t *testing.T) {
	ctx := testutil.Context(t)
	net := newTestNet(t)

	owner := startNode(t, net.open(t, "owner"), nil, time.Second)
	require.NoError(t, owner.drive.Join())

	allowed, err := owner.proto.RequestAuthorization(ctx, key(3))
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, []statusCall{{key: key(3), active: true}}, owner.recorder.Calls())
	assert.Equal(t, int32(1), owner.syncer.count.Load())
}

func TestPassive_NonWriterIgnoresRegardlessOfPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
	}{
		{name: "allow all", policy: AllowAll},
		{name: "deny all", policy: DenyAll},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testutil.Context(t)
			net := newTestNet(t)

			bystander := startNode(t, net.open(t, "bystander"), tt.policy, time.Second)
			asker := net.open(t, "asker")
			ext, replies := collector(asker)
			require.NoError(t, bystander.drive.Join())
			require.NoError(t, asker.Join())

			send(ext, proto.NewAuthRequest("req-1", key(5)), waitPeer(t, asker))

			select {
			case reply := <-replies:
				assert.Equal(t, proto.AuthIgnore, reply.Type)
				assert.Equal(t, "req-1", reply.ID)
				assert.Equal(t, key(5), reply.Key)
			case <-ctx.Done():
				t.Fatal("no reply")
			}
			assert.Empty(t, bystander.recorder.Calls())
		})
	}
}

func TestPassive_RateLimitedRequestsAreIgnored(t *testing.T) {
	ctx := testutil.Context(t)
	net := newTestNet(t)

	d := net.open(t, "owner")
	recorder := &fakeRecorder{}
	p := New(Config{
		Drive:     d,
		Recorder:  recorder,
		Syncer:    &fakeSyncer{},
		Policy:    AllowAll,
		RateLimit: 0.001,
		RateBurst: 1,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, p.Start())
	defer func() { _ = p.Close() }()

	asker := net.open(t, "asker")
	ext, replies := collector(asker)
	require.NoError(t, d.Join())
	require.NoError(t, asker.Join())
	peer := waitPeer(t, asker)

	send(ext, proto.NewAuthRequest("first", key(1)), peer)
	send(ext, proto.NewAuthRequest("second", key(2)), peer)

	got := make(map[string]proto.AuthType)
	for len(got) < 2 {
		select {
		case reply := <-replies:
			got[reply.ID] = reply.Type
		case <-ctx.Done():
			t.Fatalf("missing replies, got %v", got)
		}
	}
	assert.Equal(t, proto.AuthAllow, got["first"])
	assert.Equal(t, proto.AuthIgnore, got["second"])
	assert.Equal(t, []statusCall{{key: key(1), active: true}}, recorder.Calls())
}

func TestPassive_MalformedMessagesDropped(t *testing.T) {
	ctx := testutil.Context(t)
	net := newTestNet(t)

	owner := startNode(t, net.open(t, "owner"), AllowAll, time.Second)
	asker := net.open(t, "asker")
	ext, replies := collector(asker)
	require.NoError(t, owner.drive.Join())
	require.NoError(t, asker.Join())
	peer := waitPeer(t, asker)

	require.NoError(t, ext.Send([]byte(`{"type":"bogus"}`), peer))
	send(ext, proto.NewAuthRequest("ok", key(1)), peer)

	select {
	case reply := <-replies:
		assert.Equal(t, "ok", reply.ID, "malformed message produced no reply")
	case <-ctx.Done():
		t.Fatal("no reply")
	}
}

func TestStart_RegistersExtension(t *testing.T) {
	ctx := testutil.Context(t)
	net := newTestNet(t)

	d := net.open(t, "owner")
	recorder := &fakeRecorder{}
	p := New(Config{
		Drive:    d,
		Recorder: recorder,
		Syncer:   &fakeSyncer{},
		Policy:   AllowAll,
		Logger:   zerolog.Nop(),
	})
	defer func() { _ = p.Close() }()

	asker := net.open(t, "asker")
	ext, replies := collector(asker)
	require.NoError(t, d.Join())
	require.NoError(t, asker.Join())
	peer := waitPeer(t, asker)

	send(ext, proto.NewAuthRequest("early", key(1)), peer)
	select {
	case reply := <-replies:
		t.Fatalf("answered before start: %s", reply.ID)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, p.Start())
	require.NoError(t, p.Start(), "start is idempotent")

	send(ext, proto.NewAuthRequest("started", key(1)), peer)
	select {
	case reply := <-replies:
		assert.Equal(t, "started", reply.ID)
		assert.Equal(t, proto.AuthAllow, reply.Type)
	case <-ctx.Done():
		t.Fatal("no reply after start")
	}
}

func TestRequestAuthorization_NotStarted(t *testing.T) {
	ctx := testutil.Context(t)
	net := newTestNet(t)

	p := New(Config{
		Drive:    net.open(t, "clone"),
		Recorder: &fakeRecorder{},
		Syncer:   &fakeSyncer{},
		Logger:   zerolog.Nop(),
	})

	_, err := p.RequestAuthorization(ctx, key(1))
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Start(), ErrClosed)
}

func TestAuthorizeAndDeauthorize(t *testing.T) {
	ctx := testutil.Context(t)
	net := newTestNet(t)
	owner := startNode(t, net.open(t, "owner"), nil, time.Second)

	require.NoError(t, owner.proto.Authorize(ctx, key(1)))
	require.NoError(t, owner.proto.Deauthorize(ctx, key(1)))
	assert.Equal(t, []statusCall{
		{key: key(1), active: true},
		{key: key(1), active: false},
	}, owner.recorder.Calls())
	assert.Equal(t, int32(2), owner.syncer.count.Load())

	owner.recorder.err = errors.New("read-only")
	assert.ErrorIs(t, owner.proto.Authorize(ctx, key(2)), owner.recorder.err)
}

func TestClose_AbandonsPendingRequests(t *testing.T) {
	ctx := testutil.Context(t)
	net := newTestNet(t)
	clone := startNode(t, net.open(t, "clone"), nil, time.Minute)

	result := make(chan error, 1)
	go func() {
		_, err := clone.proto.RequestAuthorization(ctx, key(1))
		result <- err
	}()

	testutil.Eventually(t, time.Second, func() bool {
		return len(clone.proto.pendingRequests()) == 1
	}, "request not pending")
	require.NoError(t, clone.proto.Close())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrClosed)
	case <-ctx.Done():
		t.Fatal("pending request not released by close")
	}
}

func TestRequestAuthorization_CallerCancellation(t *testing.T) {
	net := newTestNet(t)
	clone := startNode(t, net.open(t, "clone"), nil, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := clone.proto.RequestAuthorization(ctx, key(1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrTimeout)
}
