package storage

import (
	"context"
	"time"

	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/metrics"
)

type instrumented struct {
	next    Client
	metrics *metrics.Collector
}

// Instrumented counts every call on next in storage_operations_total.
func Instrumented(next Client, m *metrics.Collector) Client {
	return &instrumented{next: next, metrics: m}
}

func (i *instrumented) Put(ctx context.Context, key string, data []byte, contentType string) error {
	err := i.next.Put(ctx, key, data, contentType)
	i.metrics.RecordStorageOp("put", err)
	return err
}

func (i *instrumented) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := i.next.Get(ctx, key)
	i.metrics.RecordStorageOp("get", err)
	return data, err
}

func (i *instrumented) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := i.next.Exists(ctx, key)
	i.metrics.RecordStorageOp("exists", err)
	return ok, err
}

func (i *instrumented) PresignURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := i.next.PresignURL(ctx, key, ttl)
	i.metrics.RecordStorageOp("presign", err)
	return u, err
}
