package deploy

import (
	"context"
	"time"
)

// DescriptorCache holds rendered job descriptors keyed by machine identifier.
// A cache failure must never fail a poll; callers log and fall through.
type DescriptorCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Invalidate drops every cached descriptor. Called after catalog or task changes.
	Invalidate(ctx context.Context) error
}

// ChangeStamp reports a counter that moves whenever administrative data
// changes, in any process sharing the database.
type ChangeStamp interface {
	ChangeStamp(ctx context.Context) (int64, error)
}

// NopCache never stores anything.
type NopCache struct{}

func (NopCache) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (NopCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (NopCache) Invalidate(context.Context) error                         { return nil }
