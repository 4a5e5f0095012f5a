// Package memdrive is an in-process implementation of the drive
// collaborator interface.
//
// A Swarm plays the role of the network: every drive identity has a single
// feed shared by all handles opened on it, so writes by the owner are
// visible to every other node immediately. Handles that announce or look up
// a drive are connected as peers and can exchange extension messages.
// Nodes are independent identities (one per simulated process); a node owns
// the drives it creates by name and can only read drives opened by key.
package memdrive

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"github.com/codrive/codrive/pkg/drive"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
)

var (
	// ErrReadOnly is returned by writes to a drive the node does not own.
	ErrReadOnly = errors.New("drive is read-only")

	// ErrClosed is returned by operations on a closed handle.
	ErrClosed = errors.New("drive is closed")

	// ErrNotConnected is returned when sending to a peer that is not connected.
	ErrNotConnected = errors.New("peer not connected")
)

// discoveryContext namespaces discovery topics derived from drive keys.
var discoveryContext = []byte("codrive-discovery")

// Swarm connects nodes and holds the replicated state of every drive.
type Swarm struct {
	mu     sync.Mutex
	feeds  map[drive.Key]*feed
	topics map[[32]byte][]*Drive // discovery topic -> joined handles
	logger zerolog.Logger
}

// NewSwarm creates an empty swarm.
func NewSwarm(logger zerolog.Logger) *Swarm {
	return &Swarm{
		feeds:  make(map[drive.Key]*feed),
		topics: make(map[[32]byte][]*Drive),
		logger: logger.With().Str("component", "memdrive").Logger(),
	}
}

// NewNode creates a node whose drive identities are derived from id.
func (s *Swarm) NewNode(id string) *Node {
	return &Node{
		swarm:   s,
		id:      id,
		seed:    blake2b.Sum256([]byte(id)),
		secrets: make(map[drive.Key]ed25519.PrivateKey),
	}
}

// feedFor returns the shared feed for key, creating it if needed.
func (s *Swarm) feedFor(key drive.Key) *feed {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.feeds[key]
	if !ok {
		f = newFeed(key)
		s.feeds[key] = f
	}
	return f
}

// DiscoveryKey derives the topic handles of key meet on without revealing key.
func DiscoveryKey(key drive.Key) [32]byte {
	h, err := blake2b.New256(key[:])
	if err != nil {
		// Only fails for keys longer than 64 bytes.
		panic(fmt.Sprintf("blake2b: %v", err))
	}
	h.Write(discoveryContext)
	var topic [32]byte
	copy(topic[:], h.Sum(nil))
	return topic
}

// join connects d with every handle already on its topic that belongs to a
// different node.
func (s *Swarm) join(d *Drive) {
	topic := DiscoveryKey(d.key)

	s.mu.Lock()
	existing := s.topics[topic]
	s.topics[topic] = append(existing, d)

	var opened []*peerConn
	for _, other := range existing {
		if other.node == d.node {
			continue
		}
		local, remote := connect(d, other)
		opened = append(opened, local, remote)
	}
	s.mu.Unlock()

	for _, pc := range opened {
		s.logger.Debug().
			Str("drive", d.key.Short()).
			Str("local", pc.local.node.id).
			Str("remote", pc.remote.node.id).
			Msg("Peer connected")
		pc.local.firePeerOpen(pc)
	}
}

// leave disconnects d from its topic.
func (s *Swarm) leave(d *Drive) {
	topic := DiscoveryKey(d.key)

	s.mu.Lock()
	defer s.mu.Unlock()

	handles := s.topics[topic]
	for i, h := range handles {
		if h == d {
			handles = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	if len(handles) == 0 {
		delete(s.topics, topic)
	} else {
		s.topics[topic] = handles
	}

	for _, other := range handles {
		disconnect(d, other)
	}
}

// Node is one participant in the swarm, typically one simulated process.
type Node struct {
	swarm *Swarm
	id    string
	seed  [32]byte

	mu      sync.Mutex
	secrets map[drive.Key]ed25519.PrivateKey
}

// ID returns the node identifier.
func (n *Node) ID() string {
	return n.id
}

// Open opens a drive. A 64 character hex string opens an existing identity,
// which is writable only if this node created it; anything else is treated
// as a name from which a node-owned identity is derived.
func (n *Node) Open(nameOrKey string, opts drive.Options) (drive.Drive, error) {
	return n.OpenDrive(nameOrKey, opts)
}

// OpenDrive is Open returning the concrete handle type.
func (n *Node) OpenDrive(nameOrKey string, opts drive.Options) (*Drive, error) {
	if nameOrKey == "" {
		return nil, fmt.Errorf("open drive: empty name")
	}

	key, err := drive.ParseKey(nameOrKey)
	if err != nil {
		key, err = n.deriveKey(nameOrKey)
		if err != nil {
			return nil, fmt.Errorf("open drive %q: %w", nameOrKey, err)
		}
	}

	n.mu.Lock()
	_, writable := n.secrets[key]
	n.mu.Unlock()

	d := newDrive(n, n.swarm.feedFor(key), writable, opts)
	if opts.Announce || opts.Lookup {
		if err := d.Join(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// deriveKey derives an ed25519 identity for name from the node seed.
func (n *Node) deriveKey(name string) (drive.Key, error) {
	h, err := blake2b.New256(n.seed[:])
	if err != nil {
		return drive.Key{}, fmt.Errorf("derive key: %w", err)
	}
	h.Write([]byte(name))
	priv := ed25519.NewKeyFromSeed(h.Sum(nil))

	key, err := drive.KeyFromBytes(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return drive.Key{}, err
	}

	n.mu.Lock()
	n.secrets[key] = priv
	n.mu.Unlock()
	return key, nil
}

var _ drive.Factory = (*Node)(nil)
