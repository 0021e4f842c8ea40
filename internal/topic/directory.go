package topic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/joys014/multiplex-ws/internal/actor"
	"github.com/joys014/multiplex-ws/internal/shard"
)

var ErrInvalidShard = errors.New("shard index out of range")

// Directory addresses topic actors by (topic, shard). Actors are created
// and initialised on first reference and live until Stop.
type Directory struct {
	cfg    Config
	actors *actor.Directory[shard.Address, *Actor]
}

func NewDirectory(cfg Config) *Directory {
	cfg = cfg.withDefaults()
	d := &Directory{cfg: cfg}
	d.actors = actor.NewDirectory(func(addr shard.Address) *Actor {
		a := NewActor(cfg)
		if err := a.Init(context.Background(), addr.Shard, InitOptions{Channel: addr.Topic}); err != nil {
			slog.Error("Failed to initialize topic actor", "topic", addr.Topic, "shard", addr.Shard, "error", err)
		}
		return a
	})
	return d
}

func (d *Directory) MaxShards() int {
	return d.cfg.MaxShards
}

// Get returns the actor serving addr.
func (d *Directory) Get(addr shard.Address) (*Actor, error) {
	if addr.Topic == "" || addr.Shard < 0 || addr.Shard >= d.cfg.MaxShards {
		return nil, fmt.Errorf("%w: %s", ErrInvalidShard, addr)
	}
	return d.actors.Get(addr), nil
}

// CanAccept lets the shard resolver probe topic actors.
func (d *Directory) CanAccept(ctx context.Context, addr shard.Address) (shard.Capacity, error) {
	a, err := d.Get(addr)
	if err != nil {
		return shard.Capacity{}, err
	}
	return a.CanAccept(ctx)
}

func (d *Directory) Stop(ctx context.Context) error {
	return d.actors.Stop(ctx)
}
