package authproto

import (
	"context"

	"github.com/codrive/codrive/pkg/drive"
)

// Policy decides inbound authorization requests.
type Policy interface {
	// Decide reports whether key should become an active writer. peer is
	// the connection the request arrived on.
	Decide(ctx context.Context, key drive.Key, peer drive.Peer) (bool, error)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, key drive.Key, peer drive.Peer) (bool, error)

// Decide calls f.
func (f PolicyFunc) Decide(ctx context.Context, key drive.Key, peer drive.Peer) (bool, error) {
	return f(ctx, key, peer)
}

var (
	// DenyAll refuses every request.
	DenyAll Policy = PolicyFunc(func(context.Context, drive.Key, drive.Peer) (bool, error) {
		return false, nil
	})

	// AllowAll grants every request.
	AllowAll Policy = PolicyFunc(func(context.Context, drive.Key, drive.Peer) (bool, error) {
		return true, nil
	})
)
