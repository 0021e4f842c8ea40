package session

import (
	"context"

	"github.com/joys014/multiplex-ws/internal/actor"
)

// Directory maps user ids to their session actor, creating it on first
// use. The same id always reaches the same actor.
type Directory struct {
	actors *actor.Directory[string, *Actor]
}

func NewDirectory(cfg Config, resolver Resolver, dialer TopicDialer) *Directory {
	return &Directory{
		actors: actor.NewDirectory(func(userID string) *Actor {
			return NewActor(userID, cfg, resolver, dialer)
		}),
	}
}

func (d *Directory) Get(userID string) *Actor {
	return d.actors.Get(userID)
}

func (d *Directory) Len() int {
	return d.actors.Len()
}

func (d *Directory) Stop(ctx context.Context) error {
	return d.actors.Stop(ctx)
}
