package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/fleetgate/control_plane/store"
)

// scriptedProvider answers per model from a table.
type scriptedProvider struct {
	mu      sync.Mutex
	answers map[string]func(ctx context.Context) (*Response, error)
	calls   []string
}

func (p *scriptedProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req.Model)
	fn, ok := p.answers[req.Model]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown model %s", req.Model)
	}
	return fn(ctx)
}

func fails(msg string) func(context.Context) (*Response, error) {
	return func(context.Context) (*Response, error) { return nil, errors.New(msg) }
}

func answers(text string) func(context.Context) (*Response, error) {
	return func(context.Context) (*Response, error) {
		return &Response{Text: text, Usage: Usage{InputTokens: 1000, OutputTokens: 500}}, nil
	}
}

type usageRecorder struct {
	mu      sync.Mutex
	records []store.UsageRecord
	err     error
}

func (u *usageRecorder) RecordUsage(ctx context.Context, r *store.UsageRecord) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	u.records = append(u.records, *r)
	return nil
}

func staticModels(models ...string) *ModelCache {
	return NewModelCache(nil, models, time.Minute)
}

func TestFailoverThirdModelSucceeds(t *testing.T) {
	p := &scriptedProvider{answers: map[string]func(context.Context) (*Response, error){
		"m1": fails("connection refused"),
		"m2": fails("HTTP 500"),
		"m3": answers("hello from m3"),
	}}
	usage := &usageRecorder{}
	c := NewClient(p, staticModels("m1", "m2", "m3"), usage, DefaultConfig())

	res, err := c.Complete(context.Background(), Call{TenantID: "t1", AgentID: "a1", RequestType: "router"})
	require.NoError(t, err)
	assert.Equal(t, "hello from m3", res.Text)
	assert.Equal(t, "m3", res.Model)
	assert.Equal(t, 2, res.FailoverAttempts)
	assert.Equal(t, []string{"m1", "m2", "m3"}, p.calls)

	require.Len(t, usage.records, 1)
	assert.Equal(t, "m3", usage.records[0].Model)
	assert.Equal(t, "router", usage.records[0].RequestType)
	assert.Equal(t, "a1", usage.records[0].AgentID)
}

func TestFailoverAllModelsFail(t *testing.T) {
	p := &scriptedProvider{answers: map[string]func(context.Context) (*Response, error){
		"m1": fails("e1"),
		"m2": fails("e2"),
		"m3": fails("e3"),
	}}
	c := NewClient(p, staticModels("m1", "m2", "m3"), nil, DefaultConfig())

	_, err := c.Complete(context.Background(), Call{RequestType: "router"})
	require.Error(t, err)

	var fe *FailoverError
	require.ErrorAs(t, err, &fe)
	require.Len(t, fe.Attempts, 3)
	for i, a := range fe.Attempts {
		assert.Equal(t, fmt.Sprintf("m%d", i+1), a.Model)
		assert.EqualError(t, a.Err, fmt.Sprintf("e%d", i+1))
	}
	assert.Contains(t, err.Error(), "m1: e1")
	assert.Contains(t, err.Error(), "m3: e3")
	assert.Len(t, fe.Details(), 3)
}

func TestFailoverEmptyResponseFallsThrough(t *testing.T) {
	p := &scriptedProvider{answers: map[string]func(context.Context) (*Response, error){
		"m1": answers("   "),
		"m2": answers("ok"),
	}}
	c := NewClient(p, staticModels("m1", "m2"), nil, DefaultConfig())

	res, err := c.Complete(context.Background(), Call{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	require.Len(t, res.Attempts, 1)
	assert.ErrorIs(t, res.Attempts[0].Err, ErrEmptyResponse)
}

func TestUsageLogFailureIsSwallowed(t *testing.T) {
	p := &scriptedProvider{answers: map[string]func(context.Context) (*Response, error){
		"gpt-4o-mini": answers("ok"),
	}}
	c := NewClient(p, staticModels("gpt-4o-mini"), &usageRecorder{err: errors.New("db down")}, DefaultConfig())

	res, err := c.Complete(context.Background(), Call{})
	require.NoError(t, err)
	assert.InDelta(t, (1000*0.15+500*0.60)/1_000_000, res.CostUSD, 1e-12)
}

func TestCircuitBreakerSkipsFailingModel(t *testing.T) {
	p := &scriptedProvider{answers: map[string]func(context.Context) (*Response, error){
		"flaky":  fails("boom"),
		"steady": answers("ok"),
	}}
	cfg := DefaultConfig()
	cfg.BreakerThreshold = 1
	cfg.BreakerCooldown = time.Hour
	c := NewClient(p, staticModels("flaky", "steady"), nil, cfg)

	_, err := c.Complete(context.Background(), Call{})
	require.NoError(t, err)

	res, err := c.Complete(context.Background(), Call{})
	require.NoError(t, err)
	require.Len(t, res.Attempts, 1)
	assert.ErrorIs(t, res.Attempts[0].Err, ErrCircuitOpen)
	assert.Equal(t, []string{"flaky", "steady", "steady"}, p.calls)
}

func TestBudgetBoundsTheChain(t *testing.T) {
	blocks := func(ctx context.Context) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	p := &scriptedProvider{answers: map[string]func(context.Context) (*Response, error){
		"slow": blocks,
		"next": answers("too late"),
	}}
	cfg := DefaultConfig()
	cfg.Budget = 20 * time.Millisecond
	c := NewClient(p, staticModels("slow", "next"), nil, cfg)

	start := time.Now()
	_, err := c.Complete(context.Background(), Call{})
	assert.Less(t, time.Since(start), 2*time.Second)

	var fe *FailoverError
	require.ErrorAs(t, err, &fe)
	require.Len(t, fe.Attempts, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, fe.Attempts[1].Err.Error(), "not attempted")
	assert.Equal(t, []string{"slow"}, p.calls)
}

func TestBreakerHalfOpenTrial(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker("m", 2, 10*time.Second)
	cb.now = func() time.Time { return now }

	assert.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())

	now = now.Add(11 * time.Second)
	assert.True(t, cb.Allow(), "first trial call after cooldown")
	assert.False(t, cb.Allow(), "only one trial call at a time")
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	now = now.Add(11 * time.Second)
	assert.True(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestModelCache(t *testing.T) {
	now := time.Unix(0, 0)
	loads := 0
	var loadErr error
	list := []string{"a", "b"}

	cache := NewModelCache(func(ctx context.Context) ([]string, error) {
		loads++
		return list, loadErr
	}, []string{"fallback"}, 5*time.Minute)
	cache.now = func() time.Time { return now }

	got, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	list = []string{"c"}
	now = now.Add(4 * time.Minute)
	got, _ = cache.Get(context.Background())
	assert.Equal(t, []string{"a", "b"}, got, "served from cache inside TTL")
	assert.Equal(t, 1, loads)

	cache.Invalidate()
	got, _ = cache.Get(context.Background())
	assert.Equal(t, []string{"c"}, got)
	assert.Equal(t, 2, loads)

	t.Run("stale list survives loader errors", func(t *testing.T) {
		loadErr = errors.New("db down")
		cache.Invalidate()
		got, err := cache.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, got)
	})

	t.Run("loader failure is retried soon", func(t *testing.T) {
		loadErr = errors.New("db down")
		cache.Invalidate()
		before := loads
		_, err := cache.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, before+1, loads)

		now = now.Add(failureRetry + time.Second)
		loadErr = nil
		list = []string{"d"}
		got, err := cache.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"d"}, got, "recovered well inside the TTL")
		assert.Equal(t, before+2, loads)
	})

	t.Run("reload outlives a cancelled caller", func(t *testing.T) {
		var loaderErr error
		c := NewModelCache(func(ctx context.Context) ([]string, error) {
			loaderErr = ctx.Err()
			return []string{"m"}, ctx.Err()
		}, []string{"fb"}, time.Minute)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		got, err := c.Get(ctx)
		require.NoError(t, err)
		assert.NoError(t, loaderErr)
		assert.Equal(t, []string{"m"}, got)
	})

	t.Run("fallback when nothing loaded", func(t *testing.T) {
		c := NewModelCache(func(ctx context.Context) ([]string, error) { return nil, nil }, []string{"fb"}, 0)
		got, err := c.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"fb"}, got)
	})

	t.Run("no models at all", func(t *testing.T) {
		c := NewModelCache(nil, nil, 0)
		_, err := c.Get(context.Background())
		assert.ErrorIs(t, err, ErrNoModels)
	})
}

func TestStoreLoader(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, ms.UpsertModel(ctx, &store.ModelConfig{Model: "second", Priority: 2, Enabled: true}))
	require.NoError(t, ms.UpsertModel(ctx, &store.ModelConfig{Model: "first", Priority: 1, Enabled: true}))

	models, err := StoreLoader(ms)(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, models)
}

func TestPricing(t *testing.T) {
	assert.InDelta(t, 0.75, Cost("gpt-4o-mini", Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}), 1e-9)
	assert.InDelta(t, 0.75, Cost("openai/gpt-4o-mini-2024-07-18", Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}), 1e-9)
	assert.InDelta(t, 12.5, Cost("gpt-4o-2024-08-06", Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}), 1e-9)
	assert.Zero(t, Cost("mystery-model", Usage{InputTokens: 10, OutputTokens: 10}))
}
