// Package redis provides a Redis implementation of the eventbus ReplayGuard.
//
// Usage:
//
//	import (
//	    replayredis "github.com/madcok-co/eventbus/contrib/replay/redis"
//	    "github.com/redis/go-redis/v9"
//	)
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	guard := replayredis.NewDriver(client)
//
// Each fingerprint maps to one key under the "replay:" prefix, claimed with
// SET NX and the replay window as TTL. The first publish wins the key; any
// identical publish inside the window sees the key and is refused. After the
// TTL the key vanishes and the same envelope may be published again.
package redis

import (
	"context"
	"time"

	"github.com/madcok-co/eventbus/core/pkg/contracts"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "replay:"

// Driver implements contracts.ReplayGuard on Redis.
type Driver struct {
	client redis.UniversalClient
}

// NewDriver wraps an open Redis client.
func NewDriver(client redis.UniversalClient) *Driver {
	return &Driver{client: client}
}

// Check claims the fingerprint for the window. It returns true when this is
// the first sighting and false when the fingerprint is already held.
func (d *Driver) Check(ctx context.Context, fingerprint string, window time.Duration) (bool, error) {
	fresh, err := d.client.SetNX(ctx, keyPrefix+fingerprint, "1", window).Result()
	if err != nil {
		return false, &contracts.TransportError{Broker: "redis", Err: err}
	}
	return fresh, nil
}

// Ensure Driver implements contracts.ReplayGuard
var _ contracts.ReplayGuard = (*Driver)(nil)
