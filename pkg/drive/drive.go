// Package drive defines the interface boundary to the replicated append-only
// drive system that codrive composes. Implementations own durability,
// replication, peer discovery and file I/O; codrive only relies on the
// methods declared here.
package drive

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/fs"
	"time"
)

// KeySize is the length in bytes of a drive identity.
const KeySize = 32

// Key is the stable public-key identity of a drive.
type Key [KeySize]byte

// String returns the lowercase hex encoding of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k == Key{}
}

// Short returns an abbreviated form for logs.
func (k Key) Short() string {
	return k.String()[:8]
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKey decodes a hex encoded drive key.
func ParseKey(s string) (Key, error) {
	var k Key
	if len(s) != KeySize*2 {
		return k, fmt.Errorf("invalid key length %d, expected %d hex characters", len(s), KeySize*2)
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return k, fmt.Errorf("decode key: %w", err)
	}
	return k, nil
}

// KeyFromBytes copies b into a Key.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, fmt.Errorf("invalid key length %d, expected %d bytes", len(b), KeySize)
	}
	copy(k[:], b)
	return k, nil
}

// Peer is a remote connection on which extension messages can be exchanged.
type Peer interface {
	// ID identifies the remote end of the connection.
	ID() string
}

// MessageHandler receives extension messages. Handlers are called from the
// drive's delivery goroutine and must not block for long.
type MessageHandler func(msg []byte, from Peer)

// Extension is a registered application-level message channel.
type Extension interface {
	// Send delivers msg to a single connected peer.
	Send(msg []byte, to Peer) error

	// Broadcast delivers msg to every currently connected peer.
	Broadcast(msg []byte) error
}

// Options are passed through to the drive factory.
type Options struct {
	// Announce makes the drive discoverable to other peers.
	Announce bool `yaml:"announce"`

	// Lookup makes the drive search for peers holding it.
	Lookup bool `yaml:"lookup"`

	// Sparse downloads blocks on demand instead of eagerly.
	Sparse bool `yaml:"sparse"`

	// HeaderSubtype tags the drive header.
	HeaderSubtype string `yaml:"header_subtype"`
}

// Drive is a single identity-addressed replicated store with a file tree
// and a hidden key-value namespace.
type Drive interface {
	// Key returns the drive identity.
	Key() Key

	// Writable reports whether the local process holds write capability.
	Writable() bool

	// Ready blocks until the drive is opened.
	Ready(ctx context.Context) error

	// GetHidden reads a value from the hidden namespace. A missing value
	// returns (nil, nil).
	GetHidden(ctx context.Context, path string) ([]byte, error)

	// PutHidden writes a value to the hidden namespace.
	PutHidden(ctx context.Context, path string, value []byte) error

	ReadFile(ctx context.Context, name string) ([]byte, error)
	WriteFile(ctx context.Context, name string, data []byte) error
	Stat(ctx context.Context, name string) (fs.FileInfo, error)

	// Watch registers fn to be called whenever the drive reports new data.
	// The returned function cancels the subscription.
	Watch(fn func()) (cancel func())

	// RegisterExtension registers a named message channel.
	RegisterExtension(name string, handler MessageHandler) Extension

	// Peers returns the currently connected peers.
	Peers() []Peer

	// OnPeerOpen registers fn to be called when a new peer connects.
	OnPeerOpen(fn func(Peer)) (cancel func())

	// Close releases the handle.
	Close() error
}

// Factory opens drives by name or by hex key.
type Factory interface {
	Open(nameOrKey string, opts Options) (Drive, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(nameOrKey string, opts Options) (Drive, error)

// Open calls f.
func (f FactoryFunc) Open(nameOrKey string, opts Options) (Drive, error) {
	return f(nameOrKey, opts)
}

// FileInfo is a minimal fs.FileInfo for drive implementations.
type FileInfo struct {
	FileName    string
	FileSize    int64
	FileModTime time.Time
}

func (fi FileInfo) Name() string       { return fi.FileName }
func (fi FileInfo) Size() int64        { return fi.FileSize }
func (fi FileInfo) Mode() fs.FileMode  { return 0o644 }
func (fi FileInfo) ModTime() time.Time { return fi.FileModTime }
func (fi FileInfo) IsDir() bool        { return false }
func (fi FileInfo) Sys() any           { return nil }
