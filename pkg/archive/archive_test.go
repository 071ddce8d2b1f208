package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aureus-labs/sentinel/pkg/audit"
)

// fakeBucket is an in-memory objectAPI.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	failPut bool
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string][]byte)}
}

func (f *fakeBucket) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, errors.New("NotFound")
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut {
		return nil, errors.New("InternalError")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func testChain(t *testing.T, n int) *audit.Chain {
	t.Helper()
	chain, err := audit.Open(filepath.Join(t.TempDir(), "audit.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { chain.Close() })
	for i := 0; i < n; i++ {
		_, err := chain.Append(audit.Record{
			Action:   audit.ActionIntentReceived,
			IntentID: "intent-archive",
		})
		require.NoError(t, err)
	}
	return chain
}

func TestArchiveChain_RoundTrip(t *testing.T) {
	bucket := newFakeBucket()
	a := NewWithClient(bucket, Config{Bucket: "audit", Prefix: "bundles/"},
		WithClock(func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }))

	chain := testChain(t, 5)
	manifest, err := a.ArchiveChain(context.Background(), chain)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), manifest.FromSeq)
	assert.Equal(t, uint64(5), manifest.ToSeq)
	assert.Equal(t, 5, manifest.EntryCount)
	hexDigest := strings.TrimPrefix(manifest.ContentHash, "sha256:")
	assert.NotEqual(t, manifest.ContentHash, hexDigest, "content hash must carry the sha256: prefix")
	assert.Len(t, hexDigest, 64)
	assert.Equal(t, "bundle-"+hexDigest[:16], manifest.BundleID)

	entries, err := a.Fetch(context.Background(), manifest.ContentHash)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, uint64(1), entries[0].Seq)
	assert.Equal(t, audit.ActionIntentReceived, entries[0].Action)
}

func TestArchiveChain_Idempotent(t *testing.T) {
	bucket := newFakeBucket()
	a := NewWithClient(bucket, Config{Bucket: "audit"})
	chain := testChain(t, 3)

	first, err := a.ArchiveChain(context.Background(), chain)
	require.NoError(t, err)
	putsAfterFirst := bucket.puts

	second, err := a.ArchiveChain(context.Background(), chain)
	require.NoError(t, err)
	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.Equal(t, putsAfterFirst, bucket.puts, "unchanged chain must not re-upload")
}

func TestArchiveChain_EmptyChainRefused(t *testing.T) {
	a := NewWithClient(newFakeBucket(), Config{Bucket: "audit"})
	chain := testChain(t, 0)

	_, err := a.ArchiveChain(context.Background(), chain)
	assert.ErrorIs(t, err, ErrChainNotArchivable)
}

func TestFetch_DetectsCorruption(t *testing.T) {
	bucket := newFakeBucket()
	a := NewWithClient(bucket, Config{Bucket: "audit"})
	chain := testChain(t, 2)

	manifest, err := a.ArchiveChain(context.Background(), chain)
	require.NoError(t, err)

	bucket.mu.Lock()
	bucket.objects[manifest.ContentHash+".jsonl"] = []byte(`{"seq":99}` + "\n")
	bucket.mu.Unlock()

	_, err = a.Fetch(context.Background(), manifest.ContentHash)
	assert.ErrorIs(t, err, ErrBundleCorrupt)
}

func TestArchiveChain_UploadFailure(t *testing.T) {
	bucket := newFakeBucket()
	bucket.failPut = true
	a := NewWithClient(bucket, Config{Bucket: "audit"})
	chain := testChain(t, 2)

	_, err := a.ArchiveChain(context.Background(), chain)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload bundle")
}
