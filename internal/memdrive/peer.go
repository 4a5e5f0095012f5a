package memdrive

import (
	"fmt"

	"github.com/codrive/codrive/pkg/drive"
)

// peerConn is one side of a connection between two handles of the same drive.
type peerConn struct {
	local  *Drive
	remote *Drive
}

// ID returns the remote node identifier.
func (pc *peerConn) ID() string {
	return pc.remote.node.id
}

func (pc *peerConn) String() string {
	return pc.ID()
}

// connect links a and b. Caller holds the swarm lock.
func connect(a, b *Drive) (*peerConn, *peerConn) {
	ab := &peerConn{local: a, remote: b}
	ba := &peerConn{local: b, remote: a}

	a.mu.Lock()
	a.peers[b] = ab
	a.mu.Unlock()

	b.mu.Lock()
	b.peers[a] = ba
	b.mu.Unlock()

	return ab, ba
}

// disconnect unlinks a and b. Caller holds the swarm lock.
func disconnect(a, b *Drive) {
	a.mu.Lock()
	delete(a.peers, b)
	a.mu.Unlock()

	b.mu.Lock()
	delete(b.peers, a)
	b.mu.Unlock()
}

// extension sends messages on a named channel of a handle.
type extension struct {
	drive *Drive
	name  string
}

// Send delivers msg to a connected peer.
func (e *extension) Send(msg []byte, to drive.Peer) error {
	pc, ok := to.(*peerConn)
	if !ok || pc.local != e.drive {
		return fmt.Errorf("send %s: %w", e.name, ErrNotConnected)
	}
	if e.drive.isClosed() {
		return ErrClosed
	}
	return e.sendTo(pc.remote, msg)
}

// Broadcast delivers msg to every connected peer.
func (e *extension) Broadcast(msg []byte) error {
	if e.drive.isClosed() {
		return ErrClosed
	}

	e.drive.mu.Lock()
	remotes := make([]*Drive, 0, len(e.drive.peers))
	for remote := range e.drive.peers {
		remotes = append(remotes, remote)
	}
	e.drive.mu.Unlock()

	var lastErr error
	for _, remote := range remotes {
		if err := e.sendTo(remote, msg); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (e *extension) sendTo(remote *Drive, msg []byte) error {
	remote.mu.Lock()
	reverse, ok := remote.peers[e.drive]
	remote.mu.Unlock()
	if !ok {
		return fmt.Errorf("send %s: %w", e.name, ErrNotConnected)
	}

	remote.deliver(e.name, append([]byte(nil), msg...), reverse)
	return nil
}
