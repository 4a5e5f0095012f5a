package memdrive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sync"
	"time"

	"github.com/codrive/codrive/pkg/drive"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
)

// inboxSize bounds queued extension messages per handle. Messages beyond it
// are dropped, as the extension channel is best-effort.
const inboxSize = 256

// feed is the replicated state of one drive identity.
type feed struct {
	key drive.Key

	mu      sync.RWMutex
	files   billy.Filesystem
	mtimes  map[string]time.Time
	hidden  map[string][]byte
	version uint64
	handles map[*Drive]struct{}
}

func newFeed(key drive.Key) *feed {
	return &feed{
		key:     key,
		files:   memfs.New(),
		mtimes:  make(map[string]time.Time),
		hidden:  make(map[string][]byte),
		handles: make(map[*Drive]struct{}),
	}
}

// notify tells every open handle on the feed that new data arrived.
// Must be called without f.mu held.
func (f *feed) notify(handles []*Drive) {
	for _, h := range handles {
		h.fireUpdate()
	}
}

// snapshotHandles returns the open handles. Caller holds f.mu.
func (f *feed) snapshotHandles() []*Drive {
	handles := make([]*Drive, 0, len(f.handles))
	for h := range f.handles {
		handles = append(handles, h)
	}
	return handles
}

type delivery struct {
	ext  string
	msg  []byte
	from *peerConn
}

// Drive is a handle on a feed opened by a node.
type Drive struct {
	node     *Node
	feed     *feed
	key      drive.Key
	writable bool
	opts     drive.Options

	mu         sync.Mutex
	closed     bool
	joined     bool
	nextID     int
	watchers   map[int]func()
	peerOpen   map[int]func(drive.Peer)
	extensions map[string]drive.MessageHandler
	peers      map[*Drive]*peerConn

	inbox chan delivery
	done  chan struct{}
}

func newDrive(n *Node, f *feed, writable bool, opts drive.Options) *Drive {
	d := &Drive{
		node:       n,
		feed:       f,
		key:        f.key,
		writable:   writable,
		opts:       opts,
		watchers:   make(map[int]func()),
		peerOpen:   make(map[int]func(drive.Peer)),
		extensions: make(map[string]drive.MessageHandler),
		peers:      make(map[*Drive]*peerConn),
		inbox:      make(chan delivery, inboxSize),
		done:       make(chan struct{}),
	}

	f.mu.Lock()
	f.handles[d] = struct{}{}
	f.mu.Unlock()

	go d.dispatch()
	return d
}

// Key returns the drive identity.
func (d *Drive) Key() drive.Key {
	return d.key
}

// Writable reports whether this node owns the drive.
func (d *Drive) Writable() bool {
	return d.writable
}

// Options returns the options the handle was opened with.
func (d *Drive) Options() drive.Options {
	return d.opts
}

// Node returns the node that opened the handle.
func (d *Drive) Node() *Node {
	return d.node
}

// Ready returns immediately; in-process drives open synchronously.
func (d *Drive) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.isClosed() {
		return ErrClosed
	}
	return nil
}

// GetHidden reads a hidden namespace value; missing values return nil.
func (d *Drive) GetHidden(ctx context.Context, p string) ([]byte, error) {
	if err := d.check(ctx, false); err != nil {
		return nil, err
	}

	d.feed.mu.RLock()
	defer d.feed.mu.RUnlock()

	value, ok := d.feed.hidden[p]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), value...), nil
}

// PutHidden writes a hidden namespace value.
func (d *Drive) PutHidden(ctx context.Context, p string, value []byte) error {
	if err := d.check(ctx, true); err != nil {
		return err
	}

	d.feed.mu.Lock()
	d.feed.hidden[p] = append([]byte(nil), value...)
	d.feed.version++
	handles := d.feed.snapshotHandles()
	d.feed.mu.Unlock()

	d.feed.notify(handles)
	return nil
}

// ReadFile reads a file from the drive's tree.
func (d *Drive) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if err := d.check(ctx, false); err != nil {
		return nil, err
	}
	p := cleanPath(name)

	d.feed.mu.RLock()
	defer d.feed.mu.RUnlock()

	if _, ok := d.feed.mtimes[p]; !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}

	f, err := d.feed.files.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// WriteFile replaces the content of a file.
func (d *Drive) WriteFile(ctx context.Context, name string, data []byte) error {
	if err := d.check(ctx, true); err != nil {
		return err
	}
	p := cleanPath(name)

	d.feed.mu.Lock()
	err := writeFile(d.feed.files, p, data)
	if err == nil {
		d.feed.mtimes[p] = time.Now()
		d.feed.version++
	}
	handles := d.feed.snapshotHandles()
	d.feed.mu.Unlock()

	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	d.feed.notify(handles)
	return nil
}

func writeFile(files billy.Filesystem, p string, data []byte) error {
	if dir := path.Dir(p); dir != "." {
		if err := files.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := files.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Stat returns file metadata including the last write time.
func (d *Drive) Stat(ctx context.Context, name string) (fs.FileInfo, error) {
	if err := d.check(ctx, false); err != nil {
		return nil, err
	}
	p := cleanPath(name)

	d.feed.mu.RLock()
	defer d.feed.mu.RUnlock()

	mtime, ok := d.feed.mtimes[p]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	info, err := d.feed.files.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}
	return drive.FileInfo{
		FileName:    path.Base(p),
		FileSize:    info.Size(),
		FileModTime: mtime,
	}, nil
}

// Version returns the number of writes applied to the feed.
func (d *Drive) Version() uint64 {
	d.feed.mu.RLock()
	defer d.feed.mu.RUnlock()
	return d.feed.version
}

// Watch registers fn to run on every update to the feed.
func (d *Drive) Watch(fn func()) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.watchers[id] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.watchers, id)
	}
}

func (d *Drive) fireUpdate() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	fns := make([]func(), 0, len(d.watchers))
	for _, fn := range d.watchers {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		go fn()
	}
}

// OnPeerOpen registers fn to run when a new peer connects.
func (d *Drive) OnPeerOpen(fn func(drive.Peer)) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.peerOpen[id] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.peerOpen, id)
	}
}

func (d *Drive) firePeerOpen(pc *peerConn) {
	d.mu.Lock()
	fns := make([]func(drive.Peer), 0, len(d.peerOpen))
	for _, fn := range d.peerOpen {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		go fn(pc)
	}
}

// Peers returns the connected peers.
func (d *Drive) Peers() []drive.Peer {
	d.mu.Lock()
	defer d.mu.Unlock()

	peers := make([]drive.Peer, 0, len(d.peers))
	for _, pc := range d.peers {
		peers = append(peers, pc)
	}
	return peers
}

// RegisterExtension registers handler for messages sent on name.
func (d *Drive) RegisterExtension(name string, handler drive.MessageHandler) drive.Extension {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.extensions[name] = handler
	return &extension{drive: d, name: name}
}

// Join announces the handle on the swarm and connects it to other nodes'
// handles of the same drive. Open joins automatically when Announce or
// Lookup is set; joining twice is a no-op.
func (d *Drive) Join() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.joined {
		d.mu.Unlock()
		return nil
	}
	d.joined = true
	d.mu.Unlock()

	d.node.swarm.join(d)
	return nil
}

// Close releases the handle and disconnects its peers. Closing twice is a no-op.
func (d *Drive) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.node.swarm.leave(d)

	d.feed.mu.Lock()
	delete(d.feed.handles, d)
	d.feed.mu.Unlock()

	close(d.done)
	return nil
}

func (d *Drive) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Drive) check(ctx context.Context, write bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.isClosed() {
		return ErrClosed
	}
	if write && !d.writable {
		return ErrReadOnly
	}
	return nil
}

// deliver queues an extension message for dispatch.
func (d *Drive) deliver(ext string, msg []byte, from *peerConn) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}

	select {
	case d.inbox <- delivery{ext: ext, msg: msg, from: from}:
	default:
		d.node.swarm.logger.Warn().
			Str("drive", d.key.Short()).
			Str("extension", ext).
			Msg("Inbox full, dropping extension message")
	}
}

// dispatch delivers queued messages in order.
func (d *Drive) dispatch() {
	for {
		select {
		case <-d.done:
			return
		case del := <-d.inbox:
			d.mu.Lock()
			handler := d.extensions[del.ext]
			d.mu.Unlock()
			if handler != nil {
				handler(del.msg, del.from)
			}
		}
	}
}

func cleanPath(name string) string {
	p := path.Clean("/" + name)
	if p == "/" {
		return "."
	}
	return p[1:]
}

var _ drive.Drive = (*Drive)(nil)
