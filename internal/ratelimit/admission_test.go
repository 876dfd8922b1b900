package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrygw/gantry/internal/config"
)

func newTestAdmission(t *testing.T, cfg config.RateLimitingConfig) (*Admission, *LocalLimiter) {
	t.Helper()

	limiter := NewLocalLimiter()
	t.Cleanup(func() {
		require.NoError(t, limiter.Close())
	})
	return NewAdmission(limiter, cfg), limiter
}

func TestAdmitDisabled(t *testing.T) {
	t.Parallel()

	admission, _ := newTestAdmission(t, config.RateLimitingConfig{Enabled: false})

	decision, err := admission.Admit(context.Background(), "/api/*", 10, "alice")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Nil(t, decision.Result)
}

func TestAdmitGlobalBucketDenies(t *testing.T) {
	t.Parallel()

	admission, _ := newTestAdmission(t, config.RateLimitingConfig{
		Enabled:                  true,
		DefaultRequestsPerMinute: 60,
		BurstSize:                2,
		KeyBy:                    config.KeyByClient,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, err := admission.Admit(ctx, "/api/*", 0, "alice")
		require.NoError(t, err)
		require.True(t, decision.Allowed)
		assert.Equal(t, ScopeGlobal, decision.Scope)
	}

	denied, err := admission.Admit(ctx, "/api/*", 0, "alice")
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Equal(t, ScopeGlobal, denied.Scope)
	assert.Positive(t, denied.Result.RetryAfter)
	assert.Equal(t, 60, denied.Result.Limit)
}

func TestAdmitRouteBucketDenies(t *testing.T) {
	t.Parallel()

	// The global bucket refills every 10ms, the route bucket every
	// second, so after a short pause only the route bucket is empty.
	admission, _ := newTestAdmission(t, config.RateLimitingConfig{
		Enabled:                  true,
		DefaultRequestsPerMinute: 6000,
		BurstSize:                2,
		KeyBy:                    config.KeyByClient,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, err := admission.Admit(ctx, "/api/*", 60, "alice")
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}

	time.Sleep(50 * time.Millisecond)

	denied, err := admission.Admit(ctx, "/api/*", 60, "alice")
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Equal(t, ScopeRoute, denied.Scope)
	assert.Equal(t, 60, denied.Result.Limit)
	assert.Positive(t, denied.Result.RetryAfter)
}

func TestAdmitReportsStricterBucket(t *testing.T) {
	t.Parallel()

	admission, _ := newTestAdmission(t, config.RateLimitingConfig{
		Enabled:                  true,
		DefaultRequestsPerMinute: 600,
		BurstSize:                5,
		KeyBy:                    config.KeyByClient,
	})
	ctx := context.Background()

	// Both buckets drain in step for a single route, so the route
	// bucket is reported.
	first, err := admission.Admit(ctx, "/api/orders", 600, "alice")
	require.NoError(t, err)
	require.True(t, first.Allowed)
	assert.Equal(t, ScopeRoute, first.Scope)
	assert.Equal(t, 4, first.Result.Remaining)

	second, err := admission.Admit(ctx, "/api/orders", 600, "alice")
	require.NoError(t, err)
	require.True(t, second.Allowed)
	assert.Equal(t, ScopeRoute, second.Scope)
	assert.Equal(t, 3, second.Result.Remaining)

	// A second route shares the global bucket, which is now the
	// tighter of the two.
	third, err := admission.Admit(ctx, "/api/users", 600, "alice")
	require.NoError(t, err)
	require.True(t, third.Allowed)
	assert.Equal(t, ScopeGlobal, third.Scope)
	assert.Equal(t, 2, third.Result.Remaining)
}

func TestAdmitAppliesOnlyGlobalWithoutRouteLimit(t *testing.T) {
	t.Parallel()

	admission, limiter := newTestAdmission(t, config.RateLimitingConfig{
		Enabled:                  true,
		DefaultRequestsPerMinute: 600,
		BurstSize:                3,
		KeyBy:                    config.KeyByClient,
	})
	ctx := context.Background()

	decision, err := admission.Admit(ctx, "/api/*", 0, "alice")
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	assert.Equal(t, ScopeGlobal, decision.Scope)
	assert.Equal(t, 2, decision.Result.Remaining)

	// No route budget means no route bucket.
	assert.Equal(t, 1, limiter.Len())
}

func TestAdmitSeparatesPrincipals(t *testing.T) {
	t.Parallel()

	admission, _ := newTestAdmission(t, config.RateLimitingConfig{
		Enabled:                  true,
		DefaultRequestsPerMinute: 60,
		BurstSize:                1,
		KeyBy:                    config.KeyByClient,
	})
	ctx := context.Background()

	first, err := admission.Admit(ctx, "/api/*", 0, "alice")
	require.NoError(t, err)
	require.True(t, first.Allowed)

	exhausted, err := admission.Admit(ctx, "/api/*", 0, "alice")
	require.NoError(t, err)
	require.False(t, exhausted.Allowed)

	other, err := admission.Admit(ctx, "/api/*", 0, "bob")
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

func TestPrincipal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		keyBy    string
		subject  string
		clientIP string
		want     string
	}{
		{
			name:     "client strategy prefers subject",
			keyBy:    config.KeyByClient,
			subject:  "alice",
			clientIP: "10.0.0.1",
			want:     "alice",
		},
		{
			name:     "client strategy falls back to address",
			keyBy:    config.KeyByClient,
			subject:  "",
			clientIP: "10.0.0.1",
			want:     "10.0.0.1",
		},
		{
			name:     "ip strategy ignores subject",
			keyBy:    config.KeyByIP,
			subject:  "alice",
			clientIP: "10.0.0.1",
			want:     "10.0.0.1",
		},
		{
			name:     "route strategy shares one bucket",
			keyBy:    config.KeyByRoute,
			subject:  "alice",
			clientIP: "10.0.0.1",
			want:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			admission := NewAdmission(nil, config.RateLimitingConfig{KeyBy: tt.keyBy})
			assert.Equal(t, tt.want, admission.Principal(tt.subject, tt.clientIP))
		})
	}
}
