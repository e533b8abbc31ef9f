package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const DefaultRecordPrefix = "courier:payment:confirmed:"

// ConfirmationRecord keeps submitted transaction references in redis, so that several
// sessions of the same worker share one at-most-once record.
type ConfirmationRecord struct {
	c      redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewConfirmationRecord: ttl <= 0 keeps marks forever. A positive ttl trades the at-most-once
// guarantee for a bounded keyspace: once a mark expires the ref is new again.
func NewConfirmationRecord(c redis.UniversalClient, prefix string, ttl time.Duration) *ConfirmationRecord {
	if prefix == "" {
		prefix = DefaultRecordPrefix
	}
	if ttl < 0 {
		ttl = 0
	}
	return &ConfirmationRecord{c: c, prefix: prefix, ttl: ttl}
}

// Mark делает SETNX: вернёт false, если ссылка уже была отмечена.
func (r *ConfirmationRecord) Mark(ctx context.Context, ref string) (bool, error) {
	ok, err := r.c.SetNX(ctx, r.prefix+ref, time.Now().UTC().Format(time.RFC3339), r.ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis setnx")
	}
	return ok, nil
}

func (r *ConfirmationRecord) Forget(ctx context.Context, ref string) error {
	if err := r.c.Del(ctx, r.prefix+ref).Err(); err != nil {
		return errors.Wrap(err, "redis del")
	}
	return nil
}

// MarkedAt returns when ref was marked, if it is.
func (r *ConfirmationRecord) MarkedAt(ctx context.Context, ref string) (time.Time, bool, error) {
	val, err := r.c.Get(ctx, r.prefix+ref).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "redis get")
	}
	t, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return time.Time{}, true, errors.Wrap(err, "parse mark time")
	}
	return t, true, nil
}
