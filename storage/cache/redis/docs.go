// Package redisdocs is the redis backend of the remote store. Each record is a
// JSON document; writes of one id are serialized with WATCH/MULTI.
package redisdocs

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/record"
	"github.com/trezcool/rollcall/core/remote"
)

const maxTxRetries = 16

// NewClient connects to redis with short timeouts.
func NewClient(conf core.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         conf.Address,
		Password:     conf.Password,
		DB:           conf.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

type documentStore struct {
	client *redis.Client
	prefix string
}

var _ remote.DocumentStore = (*documentStore)(nil)

func NewDocumentStore(client *redis.Client, prefix string) *documentStore {
	if prefix == "" {
		prefix = "rollcall"
	}
	return &documentStore{client: client, prefix: prefix}
}

func (ds *documentStore) key(id string) string { return ds.prefix + ":record:" + id }
func (ds *documentStore) index() string        { return ds.prefix + ":records" }

func (ds *documentStore) Apply(ctx context.Context, id string, fn remote.ApplyFunc) error {
	key := ds.key(id)
	var fnErr error
	txf := func(tx *redis.Tx) error {
		stored, err := ds.get(ctx, tx, key)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return err
		}
		next, err := fn(stored)
		if err != nil {
			fnErr = err
			return err
		}

		var data []byte
		if next != nil {
			if data, err = json.Marshal(next); err != nil {
				fnErr = errors.Wrapf(err, "encoding record %s", id)
				return fnErr
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
				pipe.SRem(ctx, ds.index(), id)
				return nil
			}
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, ds.index(), id)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := ds.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			// the document changed under us; re-run fn on the new version
			continue
		}
		if fnErr != nil {
			return fnErr
		}
		return classify(err)
	}
	return errors.WithMessagef(core.ErrTransient, "record %s: too much contention", id)
}

func (ds *documentStore) get(ctx context.Context, c redis.Cmdable, key string) (*record.Record, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, record.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	var r record.Record
	if err = json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", key)
	}
	return &r, nil
}

func (ds *documentStore) Get(ctx context.Context, id string) (record.Record, error) {
	r, err := ds.get(ctx, ds.client, ds.key(id))
	if err != nil {
		return record.Record{}, err
	}
	return *r, nil
}

func (ds *documentStore) Query(ctx context.Context, pred record.Predicate) ([]record.Record, error) {
	res := make([]record.Record, 0)
	if pred.MatchesNothing() {
		return res, nil
	}
	ids := pred.IDs
	if len(ids) == 0 {
		var err error
		if ids, err = ds.client.SMembers(ctx, ds.index()).Result(); err != nil {
			return nil, classify(err)
		}
	}
	if len(ids) == 0 {
		return res, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, ds.key(id))
	}
	vals, err := ds.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, classify(err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // removed since SMEMBERS
		}
		var r record.Record
		if err = json.Unmarshal([]byte(s), &r); err != nil {
			return nil, errors.Wrapf(err, "decoding %s", keys[i])
		}
		if pred.Match(r) {
			res = append(res, r)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

// classify marks redis connection failures as transient.
func classify(err error) error {
	if err == nil || core.KindOf(err) != core.KindInternal {
		return err
	}
	var rErr redis.Error
	if errors.As(err, &rErr) {
		return errors.Wrap(err, "redis")
	}
	return errors.WithMessage(core.ErrTransient, err.Error())
}
