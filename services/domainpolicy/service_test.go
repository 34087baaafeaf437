package domainpolicy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"applyflow-engine/pkg/errutil"
	"applyflow-engine/pkg/ratelimit"
	"applyflow-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *Service {
	db := testutil.NewTestDB(t, &Domain{})
	return NewService(ServiceParams{DB: db, Node: testutil.NewNode(t)})
}

func TestLookupUnknownHost(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Lookup(context.Background(), "unknown.example.com")
	require.Error(t, err)
	kind, ok := errutil.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errutil.KindNotFound, kind)
}

func TestUpsertAndLookup(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Upsert(ctx, &Domain{
		Host:           "boards.greenhouse.io",
		AutomationType: Greenhouse,
		CaptchaType:    CaptchaIntermittent,
		RateLimitPolicy: EncodePolicy(ratelimit.Policy{
			MaxConcurrent: 3,
			MinInterval:   2 * time.Second,
		}),
	}))

	domain, err := svc.Lookup(ctx, "boards.greenhouse.io")
	require.NoError(t, err)
	require.Equal(t, Greenhouse, domain.AutomationType)
	require.Equal(t, CaptchaIntermittent, domain.CaptchaType)
	require.Equal(t, Healthy, domain.LastStatus)

	pol := domain.Policy()
	require.Equal(t, 3, pol.MaxConcurrent)
	require.Equal(t, 2*time.Second, pol.MinInterval)
}

func TestUpsertReplacesExistingHost(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Upsert(ctx, &Domain{Host: "jobs.example.com", AutomationType: Workday}))
	require.NoError(t, svc.Upsert(ctx, &Domain{Host: "jobs.example.com", AutomationType: Greenhouse}))

	domain, err := svc.Lookup(ctx, "jobs.example.com")
	require.NoError(t, err)
	require.Equal(t, Greenhouse, domain.AutomationType)
}

func TestPolicyFallbackOnMissingOrMalformed(t *testing.T) {
	empty := &Domain{}
	require.Equal(t, 1, empty.Policy().MaxConcurrent)

	malformed := &Domain{RateLimitPolicy: []byte("{not json")}
	require.Equal(t, 1, malformed.Policy().MaxConcurrent)
}

func TestRecordOutcomeUpdatesHealth(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Upsert(ctx, &Domain{Host: "jobs.example.com", AutomationType: Workday}))
	require.NoError(t, svc.RecordOutcome(ctx, "jobs.example.com", Degraded))

	domain, err := svc.Lookup(ctx, "jobs.example.com")
	require.NoError(t, err)
	require.Equal(t, Degraded, domain.LastStatus)
	require.NotNil(t, domain.LastCheckedAt)

	require.Equal(t, Degraded, svc.Health(ctx, "jobs.example.com"))
}

func TestHealthUnknownHostReportsHealthy(t *testing.T) {
	svc := newTestService(t)
	require.Equal(t, Healthy, svc.Health(context.Background(), "unknown.example.com"))
}
