package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/metrics"
)

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir(), "http://localhost:8080/")
	require.NoError(t, err)

	ok, err := store.Exists(ctx, "series/2024030112.csv")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Get(ctx, "series/2024030112.csv")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.PresignURL(ctx, "series/2024030112.csv", time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "series/2024030112.csv", []byte("date,air\n"), "text/csv"))
	data, err := store.Get(ctx, "series/2024030112.csv")
	require.NoError(t, err)
	assert.Equal(t, "date,air\n", string(data))

	link, err := store.PresignURL(ctx, "series/2024030112.csv", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/files/series/2024030112.csv", link)
}

func TestLocalStore_KeysStayInsideRoot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewLocalStore(root, "")
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "../../escape.txt", []byte("x"), "text/plain"))
	ok, err := store.Exists(ctx, "escape.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Error(t, store.Put(ctx, "/", []byte("x"), "text/plain"))
}

type fakeS3 struct {
	objects map[string][]byte
	headErr error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, _ := io.ReadAll(in.Body)
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

type fakePresigner struct {
	ttl time.Duration
}

func (f *fakePresigner) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	f.ttl = opts.Expires
	return &PresignedRequest{URL: "https://bucket.s3/" + aws.ToString(in.Key) + "?X-Amz-Signature=abc"}, nil
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	api := &fakeS3{objects: map[string][]byte{}}
	presigner := &fakePresigner{}
	store := NewS3StoreWithClient(api, presigner, "forecast")

	_, err := store.Get(ctx, "data/model.json.zst")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "data/model.json.zst", []byte{1, 2, 3}, "application/zstd"))
	data, err := store.Get(ctx, "data/model.json.zst")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	ok, err := store.Exists(ctx, "data/model.json.zst")
	require.NoError(t, err)
	assert.True(t, ok)

	link, err := store.PresignURL(ctx, "data/model.json.zst", 7*24*time.Hour)
	require.NoError(t, err)
	assert.Contains(t, link, "X-Amz-Signature")
	assert.Equal(t, 7*24*time.Hour, presigner.ttl)

	_, err = store.PresignURL(ctx, "missing", time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)

	api.headErr = errors.New("access denied")
	_, err = store.Exists(ctx, "data/model.json.zst")
	assert.Error(t, err)
}

func TestInstrumented(t *testing.T) {
	ctx := context.Background()
	m := metrics.NewCollector("test", prometheus.NewRegistry())
	local, err := NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)
	store := Instrumented(local, m)

	require.NoError(t, store.Put(ctx, "a", []byte("x"), "text/plain"))
	_, err = store.Get(ctx, "missing")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StorageOpsTotal.WithLabelValues("put", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StorageOpsTotal.WithLabelValues("get", "error")))
}
