package remote

import (
	"context"

	"github.com/trezcool/rollcall/core/record"
	"github.com/trezcool/rollcall/core/user"
)

// Client binds the service to a session, giving it the shape the sync
// coordinator pushes to. It serves embedded setups and tests.
type Client struct {
	svc  *Service
	sess user.Session
}

func (svc *Service) As(sess user.Session) *Client {
	return &Client{svc: svc, sess: sess}
}

func (c *Client) Push(ctx context.Context, m record.Mutation) (*record.Record, error) {
	return c.svc.Put(ctx, c.sess.User(), m)
}

func (c *Client) Pull(ctx context.Context, pred record.Predicate) ([]record.Record, error) {
	return c.svc.Query(ctx, c.sess.User(), pred)
}

func (c *Client) Fetch(ctx context.Context, id string) (record.Record, error) {
	return c.svc.Get(ctx, c.sess.User(), id)
}
