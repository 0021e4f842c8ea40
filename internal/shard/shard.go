// Package shard decides which shard of a topic a new connection lands on.
package shard

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
)

var (
	// ErrAdmissionRefused means the shard is full but a higher shard may
	// still have room.
	ErrAdmissionRefused = errors.New("shard admission refused")
	// ErrCapacityExhausted means every shard of the topic is full.
	ErrCapacityExhausted = errors.New("topic capacity exhausted")
)

// Address identifies one topic actor instance.
type Address struct {
	Topic string
	Shard int
}

func (a Address) String() string {
	return fmt.Sprintf("%s/%d", a.Topic, a.Shard)
}

// Path is the upgrade endpoint the topic actor is served under.
func (a Address) Path() string {
	return "/topics/" + url.PathEscape(a.Topic) + "/shards/" + strconv.Itoa(a.Shard) + "/ws"
}

// Capacity is a topic shard's answer to an admission query.
type Capacity struct {
	Accepted bool
	// ShardSaturated is set when the last allowed shard is full.
	ShardSaturated bool
}

// Err converts a refusal into the matching sentinel error.
func (c Capacity) Err() error {
	switch {
	case c.Accepted:
		return nil
	case c.ShardSaturated:
		return ErrCapacityExhausted
	default:
		return ErrAdmissionRefused
	}
}

// SaturatedHeader accompanies a 503 admission refusal and tells the dialer
// whether the refusal came from the last shard.
const SaturatedHeader = "X-Shard-Saturated"
