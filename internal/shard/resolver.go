package shard

import (
	"context"
	"fmt"
	"log/slog"
)

// CapacityQuerier asks a topic shard whether it can take one more
// connection.
type CapacityQuerier interface {
	CanAccept(ctx context.Context, addr Address) (Capacity, error)
}

// Resolver places connections with a linear probe: the lowest shard index
// with headroom wins, so shard 0 fills up before shard 1 sees traffic.
type Resolver struct {
	capacity  CapacityQuerier
	maxShards int
}

func NewResolver(capacity CapacityQuerier, maxShards int) *Resolver {
	if maxShards < 1 {
		maxShards = 1
	}
	return &Resolver{capacity: capacity, maxShards: maxShards}
}

func (r *Resolver) MaxShards() int {
	return r.maxShards
}

// Resolve returns the address of the first shard of topic that accepts a
// connection.
func (r *Resolver) Resolve(ctx context.Context, topic string) (Address, error) {
	for i := 0; i < r.maxShards; i++ {
		addr := Address{Topic: topic, Shard: i}
		c, err := r.capacity.CanAccept(ctx, addr)
		if err != nil {
			return Address{}, fmt.Errorf("query capacity of %s: %w", addr, err)
		}
		if c.Accepted {
			return addr, nil
		}
		if c.ShardSaturated {
			break
		}
		slog.Debug("shard full, probing next", "topic", topic, "shard", i)
	}
	return Address{}, fmt.Errorf("topic %q: %w", topic, ErrCapacityExhausted)
}
