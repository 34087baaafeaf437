package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"applyflow-engine/pkg/config"
	"applyflow-engine/pkg/errutil"
	"applyflow-engine/pkg/ratelimit"
	"applyflow-engine/services/agent"
	"applyflow-engine/services/audit"
	"applyflow-engine/services/collaborator"
	"applyflow-engine/services/domainpolicy"
	"applyflow-engine/services/notify"
	"applyflow-engine/services/task"
	"applyflow-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type mockAgent struct {
	mu        sync.Mutex
	calls     int
	executeFn func(ctx context.Context, exec *agent.Execution) (*agent.Outcome, error)
}

func (m *mockAgent) Execute(ctx context.Context, exec *agent.Execution) (*agent.Outcome, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.executeFn != nil {
		return m.executeFn(ctx, exec)
	}
	return &agent.Outcome{Submitted: true, Confirmation: "conf-1"}, nil
}

func (m *mockAgent) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockNotifier struct {
	mu           sync.Mutex
	events       []notify.TerminalEvent
	healthEvents []notify.DomainHealthEvent
}

func (m *mockNotifier) TaskTerminated(ctx context.Context, event notify.TerminalEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockNotifier) DomainHealthChanged(ctx context.Context, event notify.DomainHealthEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthEvents = append(m.healthEvents, event)
	return nil
}

func (m *mockNotifier) HealthEvents() []notify.DomainHealthEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]notify.DomainHealthEvent, len(m.healthEvents))
	copy(out, m.healthEvents)
	return out
}

func (m *mockNotifier) Events() []notify.TerminalEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]notify.TerminalEvent, len(m.events))
	copy(out, m.events)
	return out
}

type mockProfileService struct{}

func (mockProfileService) GetSnapshot(ctx context.Context, candidateID string) (*collaborator.ProfileSnapshot, error) {
	return &collaborator.ProfileSnapshot{
		CandidateID: candidateID,
		Name:        "Jordan Smith",
		Email:       "jordan@example.com",
		ResumeRef:   "s3://resumes/cand.pdf",
	}, nil
}

type mockJobService struct{}

func (mockJobService) GetJob(ctx context.Context, jobID string) (*collaborator.Job, error) {
	return &collaborator.Job{
		JobID:      jobID,
		ApplyURL:   "https://boards.greenhouse.io/acme/jobs/1",
		TargetHost: "boards.greenhouse.io",
	}, nil
}

type mockArtifactStore struct{}

func (mockArtifactStore) Store(ctx context.Context, taskID, name, contentType string, data []byte) (string, error) {
	return "s3://artifacts/tasks/" + taskID + "/" + name, nil
}

type fixture struct {
	db       *gorm.DB
	d        *Dispatcher
	store    *task.Store
	auditlog *audit.Writer
	domains  *domainpolicy.Service
	limiter  *ratelimit.DomainLimiter
	notifier *mockNotifier
	agent    *mockAgent
	cfg      *config.Config
}

func newFixture(t *testing.T, ag *mockAgent) *fixture {
	db := testutil.NewTestDB(t, &task.Task{}, &audit.Log{}, &domainpolicy.Domain{})
	node := testutil.NewNode(t)

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Dispatcher.MaxConcurrent = 4

	store := task.NewStore(task.StoreParams{DB: db, Node: node})
	writer := audit.NewWriter(audit.WriterParams{DB: db, Node: node})
	domains := domainpolicy.NewService(domainpolicy.ServiceParams{DB: db, Node: node})
	limiter := ratelimit.NewDomainLimiter()
	notifier := &mockNotifier{}

	if ag == nil {
		ag = &mockAgent{}
	}

	registry := agent.NewTestRegistry(map[domainpolicy.AutomationType]agent.Agent{
		domainpolicy.Greenhouse: ag,
	})

	d := New(Params{
		Config:    cfg,
		Store:     store,
		Audit:     writer,
		Artifacts: mockArtifactStore{},
		Notifier:  notifier,
		Domains:   domains,
		Agents:    registry,
		Limiter:   limiter,
		Profiles:  mockProfileService{},
		Jobs:      mockJobService{},
		Cancels:   task.NewCancelRegistry(),
	})

	return &fixture{
		db:       db,
		d:        d,
		store:    store,
		auditlog: writer,
		domains:  domains,
		limiter:  limiter,
		notifier: notifier,
		agent:    ag,
		cfg:      cfg,
	}
}

func (f *fixture) seedDomain(t *testing.T) {
	t.Helper()
	require.NoError(t, f.domains.Upsert(context.Background(), &domainpolicy.Domain{
		Host:           "boards.greenhouse.io",
		AutomationType: domainpolicy.Greenhouse,
		CaptchaType:    domainpolicy.CaptchaNone,
		RateLimitPolicy: domainpolicy.EncodePolicy(ratelimit.Policy{
			MaxConcurrent: 4,
		}),
	}))
}

func (f *fixture) enqueue(t *testing.T, candidateID, jobID string) *task.Task {
	t.Helper()
	record, err := f.store.Create(context.Background(), candidateID, jobID, "boards.greenhouse.io")
	require.NoError(t, err)
	return record
}

// runRound dispatches once and waits for all launched workers to finish.
func (f *fixture) runRound(t *testing.T, ctx context.Context) {
	t.Helper()
	f.d.DispatchOnce(ctx)
	f.d.wg.Wait()
}

// makeEligible clears the backoff window so the next round picks the task up.
func (f *fixture) makeEligible(t *testing.T, taskID string) {
	t.Helper()
	require.NoError(t, f.db.Model(&task.Task{}).Where("id = ?", taskID).
		Update("next_attempt_at", time.Now().Add(-time.Second)).Error)
}

func TestSuccessfulAttemptCompletesTask(t *testing.T) {
	f := newFixture(t, nil)
	f.seedDomain(t)
	record := f.enqueue(t, "cand_1", "job_1")
	ctx := context.Background()

	f.runRound(t, ctx)

	current, err := f.store.Get(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, current.Status)
	require.Equal(t, 1, current.AttemptCount)
	require.Nil(t, current.LastError)
	require.Nil(t, current.AssignedWorker)

	entries, err := f.auditlog.List(ctx, record.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.Equal(t, task.StatusCompleted.String(), entries[len(entries)-1].Step)

	events := f.notifier.Events()
	require.Len(t, events, 1)
	require.Equal(t, task.StatusCompleted.String(), events[0].Status)

	require.Zero(t, f.limiter.InFlight("boards.greenhouse.io"))
	require.Equal(t, 1, f.agent.Calls())
}

func TestRecoverableFailuresExhaustAttemptBudget(t *testing.T) {
	ag := &mockAgent{executeFn: func(ctx context.Context, exec *agent.Execution) (*agent.Outcome, error) {
		return nil, errutil.Recoverable("target site rate limited the request")
	}}
	f := newFixture(t, ag)
	f.seedDomain(t)
	record := f.enqueue(t, "cand_1", "job_1")
	ctx := context.Background()

	for i := 1; i <= f.cfg.Dispatcher.MaxAttempts; i++ {
		f.runRound(t, ctx)

		current, err := f.store.Get(ctx, record.ID)
		require.NoError(t, err)
		require.Equal(t, i, current.AttemptCount)

		if i < f.cfg.Dispatcher.MaxAttempts {
			require.Equal(t, task.StatusQueued, current.Status)
			require.True(t, current.NextAttemptAt.After(time.Now()))
			f.makeEligible(t, record.ID)
		}
	}

	current, err := f.store.Get(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, current.Status)
	require.Equal(t, f.cfg.Dispatcher.MaxAttempts, current.AttemptCount)
	require.NotNil(t, current.LastError)
	require.Equal(t, "target site rate limited the request", *current.LastError)

	events := f.notifier.Events()
	require.Len(t, events, 1)
	require.Equal(t, task.StatusFailed.String(), events[0].Status)

	// The host went healthy -> degraded exactly once.
	healthEvents := f.notifier.HealthEvents()
	require.Len(t, healthEvents, 1)
	require.Equal(t, domainpolicy.Degraded.String(), healthEvents[0].Status)

	// Exhausted tasks never run again.
	f.makeEligible(t, record.ID)
	f.runRound(t, ctx)
	require.Equal(t, f.cfg.Dispatcher.MaxAttempts, f.agent.Calls())
}

func TestNonRecoverableFailureFailsImmediately(t *testing.T) {
	ag := &mockAgent{executeFn: func(ctx context.Context, exec *agent.Execution) (*agent.Outcome, error) {
		return nil, errutil.NonRecoverable("job posting no longer exists")
	}}
	f := newFixture(t, ag)
	f.seedDomain(t)
	record := f.enqueue(t, "cand_1", "job_1")
	ctx := context.Background()

	f.runRound(t, ctx)

	current, err := f.store.Get(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, current.Status)
	require.Equal(t, 1, current.AttemptCount)
}

func TestReviewRequiredIsTerminalOnFirstAttempt(t *testing.T) {
	ag := &mockAgent{executeFn: func(ctx context.Context, exec *agent.Execution) (*agent.Outcome, error) {
		return nil, errutil.ReviewRequired("captcha challenge requires human review")
	}}
	f := newFixture(t, ag)
	f.seedDomain(t)
	record := f.enqueue(t, "cand_1", "job_1")
	ctx := context.Background()

	f.runRound(t, ctx)

	current, err := f.store.Get(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusNeedsReview, current.Status)
	require.Equal(t, 1, current.AttemptCount)

	events := f.notifier.Events()
	require.Len(t, events, 1)
	require.Equal(t, task.StatusNeedsReview.String(), events[0].Status)

	// Review-required is never retried automatically.
	f.makeEligible(t, record.ID)
	f.runRound(t, ctx)
	require.Equal(t, 1, f.agent.Calls())
}

func TestUnclassifiedFailureFailsTowardRetry(t *testing.T) {
	ag := &mockAgent{executeFn: func(ctx context.Context, exec *agent.Execution) (*agent.Outcome, error) {
		return nil, context.DeadlineExceeded
	}}
	f := newFixture(t, ag)
	f.seedDomain(t)
	record := f.enqueue(t, "cand_1", "job_1")
	ctx := context.Background()

	f.runRound(t, ctx)

	current, err := f.store.Get(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusQueued, current.Status)
	require.Equal(t, 1, current.AttemptCount)
	require.NotNil(t, current.LastError)
	require.Equal(t, "attempt timed out", *current.LastError)
}

func TestBlockedDomainKeepsTaskQueued(t *testing.T) {
	f := newFixture(t, nil)
	f.seedDomain(t)
	ctx := context.Background()
	require.NoError(t, f.domains.RecordOutcome(ctx, "boards.greenhouse.io", domainpolicy.Blocked))

	record := f.enqueue(t, "cand_1", "job_1")

	f.runRound(t, ctx)

	current, err := f.store.Get(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusQueued, current.Status)
	require.Zero(t, current.AttemptCount)
	require.Zero(t, f.agent.Calls())
	require.Empty(t, f.notifier.Events())
}

func TestUnknownHostFailsTask(t *testing.T) {
	f := newFixture(t, nil)
	// No domain policy seeded for the host.
	record := f.enqueue(t, "cand_1", "job_1")
	ctx := context.Background()

	f.runRound(t, ctx)

	current, err := f.store.Get(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, current.Status)
	require.Zero(t, f.agent.Calls())

	events := f.notifier.Events()
	require.Len(t, events, 1)
	require.Equal(t, task.StatusFailed.String(), events[0].Status)
}

func TestCancelRequestedDuringProcessingWins(t *testing.T) {
	var f *fixture
	ag := &mockAgent{executeFn: func(ctx context.Context, exec *agent.Execution) (*agent.Outcome, error) {
		// Cancellation lands while the attempt is in flight; the outcome is
		// discarded in favour of cancelled.
		_, err := f.store.RequestCancel(context.Background(), exec.TaskID)
		if err != nil {
			return nil, err
		}
		return &agent.Outcome{Submitted: true, Confirmation: "conf-ignored"}, nil
	}}
	f = newFixture(t, ag)
	f.seedDomain(t)
	record := f.enqueue(t, "cand_1", "job_1")
	ctx := context.Background()

	f.runRound(t, ctx)

	current, err := f.store.Get(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusCancelled, current.Status)
	require.False(t, current.CancelRequested)

	events := f.notifier.Events()
	require.Len(t, events, 1)
	require.Equal(t, task.StatusCancelled.String(), events[0].Status)
}

func TestReclaimedTaskWithCancelRequestIsCancelledNotRetried(t *testing.T) {
	f := newFixture(t, nil)
	f.seedDomain(t)
	record := f.enqueue(t, "cand_1", "job_1")
	ctx := context.Background()

	// A worker claimed the task, a cancel arrived, then the worker died and
	// the reclaim sweep returned the row to queued with the flag intact.
	_, err := f.store.Claim(ctx, record.ID, "worker-lost")
	require.NoError(t, err)
	ok, err := f.store.RequestCancel(ctx, record.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.db.Model(&task.Task{}).Where("id = ?", record.ID).
		Update("updated_at", time.Now().Add(-time.Hour)).Error)
	n, err := f.store.ReclaimStale(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	f.runRound(t, ctx)

	current, err := f.store.Get(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusCancelled, current.Status)
	require.False(t, current.CancelRequested)
	require.Zero(t, f.agent.Calls())

	entries, err := f.auditlog.List(ctx, record.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.Equal(t, task.StatusCancelled.String(), entries[len(entries)-1].Step)

	events := f.notifier.Events()
	require.Len(t, events, 1)
	require.Equal(t, task.StatusCancelled.String(), events[0].Status)
}

func TestDomainConcurrencyCeilingLimitsClaims(t *testing.T) {
	release := make(chan struct{})
	ag := &mockAgent{executeFn: func(ctx context.Context, exec *agent.Execution) (*agent.Outcome, error) {
		<-release
		return &agent.Outcome{Submitted: true}, nil
	}}
	f := newFixture(t, ag)
	ctx := context.Background()
	require.NoError(t, f.domains.Upsert(ctx, &domainpolicy.Domain{
		Host:           "boards.greenhouse.io",
		AutomationType: domainpolicy.Greenhouse,
		RateLimitPolicy: domainpolicy.EncodePolicy(ratelimit.Policy{
			MaxConcurrent: 1,
		}),
	}))

	first := f.enqueue(t, "cand_1", "job_1")
	second := f.enqueue(t, "cand_2", "job_2")

	f.d.DispatchOnce(ctx)

	// Only one permit exists for the host, so one task is claimed and the
	// other stays queued.
	one, err := f.store.Get(ctx, first.ID)
	require.NoError(t, err)
	two, err := f.store.Get(ctx, second.ID)
	require.NoError(t, err)
	statuses := []task.Status{one.Status, two.Status}
	require.Contains(t, statuses, task.StatusProcessing)
	require.Contains(t, statuses, task.StatusQueued)

	close(release)
	f.d.wg.Wait()
}

func TestRetryScheduleGrows(t *testing.T) {
	ag := &mockAgent{executeFn: func(ctx context.Context, exec *agent.Execution) (*agent.Outcome, error) {
		return nil, errutil.Recoverable("target site returned status 502")
	}}
	f := newFixture(t, ag)
	f.seedDomain(t)
	record := f.enqueue(t, "cand_1", "job_1")
	ctx := context.Background()

	f.runRound(t, ctx)

	current, err := f.store.Get(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusQueued, current.Status)

	// First retry waits roughly one backoff base from now.
	minDelay := time.Duration(float64(f.cfg.Dispatcher.BackoffBase) * (1 - f.cfg.Dispatcher.BackoffJitter))
	require.True(t, current.NextAttemptAt.After(time.Now().Add(minDelay-5*time.Second)))

	entries, err := f.auditlog.List(ctx, record.ID)
	require.NoError(t, err)
	var sawRetry bool
	for _, e := range entries {
		if e.Step == "retry_scheduled" {
			sawRetry = true
		}
	}
	require.True(t, sawRetry)
}
