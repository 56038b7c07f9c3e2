package identity

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDirectory(t *testing.T) *SQLiteDirectory {
	t.Helper()
	dir, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { dir.Close() })

	ctx := context.Background()
	erp, err := dir.AddConsumer(ctx, "erp-key", "erp consumer")
	require.NoError(t, err)
	_, err = dir.AddIntegration(ctx, "ERP Sync", erp)
	require.NoError(t, err)
	require.NoError(t, dir.AddToken(ctx, "erp-access-token", erp))

	orphan, err := dir.AddConsumer(ctx, "orphan-key", "no integration")
	require.NoError(t, err)
	require.NoError(t, dir.AddToken(ctx, "orphan-token", orphan))
	return dir
}

func code(t *testing.T, err error) string {
	t.Helper()
	oe, ok := oops.AsOops(err)
	require.True(t, ok, "expected an oops error, got %v", err)
	c, _ := oe.Code().(string)
	return c
}

func TestResolverIntegrationName(t *testing.T) {
	r := NewResolver(newDirectory(t), Config{CacheSize: 10, CacheTTL: time.Minute}, zerolog.Nop())
	ctx := context.Background()

	name, err := r.IntegrationName(ctx, "Bearer", "erp-access-token")
	require.NoError(t, err)
	assert.Equal(t, "ERP Sync", name)

	name, err = r.IntegrationName(ctx, "OAuth", `oauth_consumer_key="erp-key", oauth_nonce="n"`)
	require.NoError(t, err)
	assert.Equal(t, "ERP Sync", name)
}

func TestResolverFailures(t *testing.T) {
	r := NewResolver(newDirectory(t), Config{}, zerolog.Nop())
	ctx := context.Background()

	tests := []struct {
		name        string
		scheme      string
		credentials string
		wantCode    string
	}{
		{name: "oauth without consumer key", scheme: "OAuth", credentials: `oauth_token="t"`, wantCode: CodeMalformedToken},
		{name: "empty bearer", scheme: "Bearer", credentials: " ", wantCode: CodeMalformedToken},
		{name: "unknown token", scheme: "Bearer", credentials: "nope", wantCode: CodeUnknownConsumer},
		{name: "unknown consumer key", scheme: "OAuth", credentials: `oauth_consumer_key="nope"`, wantCode: CodeUnknownConsumer},
		{name: "consumer without integration", scheme: "Bearer", credentials: "orphan-token", wantCode: CodeIntegrationNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.IntegrationName(ctx, tt.scheme, tt.credentials)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, code(t, err))
		})
	}
}

type countingDirectory struct {
	Directory
	calls atomic.Int32
}

func (c *countingDirectory) ConsumerByToken(ctx context.Context, token string) (Consumer, error) {
	c.calls.Add(1)
	time.Sleep(10 * time.Millisecond)
	return c.Directory.ConsumerByToken(ctx, token)
}

func TestResolverCachesAndCollapsesLookups(t *testing.T) {
	dir := &countingDirectory{Directory: newDirectory(t)}
	r := NewResolver(dir, Config{CacheSize: 10, CacheTTL: time.Minute}, zerolog.Nop())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name, err := r.IntegrationName(context.Background(), "Bearer", "erp-access-token")
			assert.NoError(t, err)
			assert.Equal(t, "ERP Sync", name)
		}()
	}
	wg.Wait()

	_, err := r.IntegrationName(context.Background(), "Bearer", "erp-access-token")
	require.NoError(t, err)
	assert.Equal(t, int32(1), dir.calls.Load())
}

type gatedDirectory struct {
	Directory
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedDirectory) ConsumerByToken(ctx context.Context, token string) (Consumer, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	if err := ctx.Err(); err != nil {
		return Consumer{}, err
	}
	return g.Directory.ConsumerByToken(ctx, token)
}

func TestResolverSharedLookupSurvivesCallerCancel(t *testing.T) {
	dir := &gatedDirectory{
		Directory: newDirectory(t),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	r := NewResolver(dir, Config{CacheSize: 10, CacheTTL: time.Minute}, zerolog.Nop())

	first, cancel := context.WithCancel(context.Background())
	results := make(chan error, 2)
	go func() {
		_, err := r.IntegrationName(first, "Bearer", "erp-access-token")
		results <- err
	}()
	<-dir.entered
	go func() {
		_, err := r.IntegrationName(context.Background(), "Bearer", "erp-access-token")
		results <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	close(dir.release)
	assert.NoError(t, <-results)
	assert.NoError(t, <-results)
}

func TestConsumerKey(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{in: `oauth_consumer_key="abc",oauth_token="t"`, want: "abc", wantOK: true},
		{in: `oauth_nonce="n", oauth_consumer_key="k2"`, want: "k2", wantOK: true},
		{in: `oauth_consumer_key=""`, wantOK: false},
		{in: `realm="x"`, wantOK: false},
		{in: ``, wantOK: false},
	}
	for _, tt := range tests {
		got, ok := ConsumerKey(tt.in)
		assert.Equal(t, tt.wantOK, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
