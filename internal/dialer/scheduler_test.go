package dialer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-agent-platform/internal/config"
	"github.com/acme/voice-agent-platform/internal/domain"
	"github.com/acme/voice-agent-platform/internal/queue"
	apperrors "github.com/acme/voice-agent-platform/pkg/errors"
)

type fakeCampaigns struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]domain.Campaign
}

func newFakeCampaigns(cs ...domain.Campaign) *fakeCampaigns {
	f := &fakeCampaigns{campaigns: make(map[uuid.UUID]domain.Campaign)}
	for _, c := range cs {
		f.campaigns[c.ID] = c
	}
	return f
}

func (f *fakeCampaigns) Create(_ context.Context, c *domain.Campaign) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaigns[c.ID] = *c
	return nil
}

func (f *fakeCampaigns) Get(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	out := c
	return &out, nil
}

func (f *fakeCampaigns) Update(_ context.Context, c *domain.Campaign) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaigns[c.ID] = *c
	return nil
}

func (f *fakeCampaigns) UpdateStatus(_ context.Context, id uuid.UUID, status domain.CampaignStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.campaigns[id]
	c.Status = status
	f.campaigns[id] = c
	return nil
}

func (f *fakeCampaigns) ApplyCounters(_ context.Context, id uuid.UUID, delta domain.CampaignCounters) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.campaigns[id]
	c.Counters.CallsCompleted += delta.CallsCompleted
	c.Counters.CallsSuccessful += delta.CallsSuccessful
	c.Counters.CallsFailed += delta.CallsFailed
	f.campaigns[id] = c
	return nil
}

func (f *fakeCampaigns) ListByStatus(_ context.Context, status domain.CampaignStatus, _ int) ([]*domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range f.campaigns {
		if c.Status == status {
			cp := c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeCampaigns) status(id uuid.UUID) domain.CampaignStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.campaigns[id].Status
}

type fakeLeads struct {
	mu    sync.Mutex
	leads map[uuid.UUID]domain.Lead
}

func newFakeLeads(ls ...domain.Lead) *fakeLeads {
	f := &fakeLeads{leads: make(map[uuid.UUID]domain.Lead)}
	for _, l := range ls {
		f.leads[l.ID] = l
	}
	return f
}

func (f *fakeLeads) BulkInsert(_ context.Context, ls []domain.Lead) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range ls {
		f.leads[l.ID] = l
	}
	return nil
}

func (f *fakeLeads) Get(_ context.Context, id uuid.UUID) (*domain.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.leads[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	out := l
	return &out, nil
}

func (f *fakeLeads) Update(_ context.Context, l *domain.Lead) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leads[l.ID] = *l
	return nil
}

func (f *fakeLeads) ClaimNextEligible(_ context.Context, campaignID uuid.UUID, now time.Time) (*domain.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var candidates []domain.Lead
	for _, l := range f.leads {
		if l.CampaignID == campaignID && l.Eligible(now) {
			candidates = append(candidates, l)
		}
	}
	if len(candidates) == 0 {
		return nil, apperrors.ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	out := candidates[0]
	if err := out.BeginAttempt(now); err != nil {
		return nil, err
	}
	f.leads[out.ID] = out
	return &out, nil
}

func (f *fakeLeads) CountRemaining(_ context.Context, campaignID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, l := range f.leads {
		if l.CampaignID == campaignID && !l.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (f *fakeLeads) CountByStatus(_ context.Context, campaignID uuid.UUID) (map[domain.LeadStatus]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[domain.LeadStatus]int64)
	for _, l := range f.leads {
		if l.CampaignID == campaignID {
			out[l.Status]++
		}
	}
	return out, nil
}

type fakeAgents struct {
	mu     sync.Mutex
	agents map[uuid.UUID]domain.AgentProfile
}

func (f *fakeAgents) Get(_ context.Context, id uuid.UUID) (*domain.AgentProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	out := a
	return &out, nil
}

func (f *fakeAgents) setActive(id uuid.UUID, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.agents[id]
	a.Active = active
	f.agents[id] = a
}

type queuedJob struct {
	tag   string
	delay time.Duration
	run   func(context.Context)
}

// fakeJobs records enqueued jobs; the test runs them by hand so ticks are
// fully deterministic.
type fakeJobs struct {
	mu        sync.Mutex
	jobs      []queuedJob
	cancelled []string
}

func (f *fakeJobs) Enqueue(job queue.Job, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, queuedJob{tag: job.Tag, delay: delay, run: job.Run})
}

func (f *fakeJobs) CancelAll(tag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, tag)
	kept := f.jobs[:0]
	for _, j := range f.jobs {
		if j.tag != tag {
			kept = append(kept, j)
		}
	}
	f.jobs = kept
}

func (f *fakeJobs) Close() {}

func (f *fakeJobs) pop(t *testing.T) queuedJob {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		t.Fatal("no pending jobs")
	}
	j := f.jobs[0]
	f.jobs = f.jobs[1:]
	return j
}

func (f *fakeJobs) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []queue.DialMessage
	err  error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, msg queue.DialMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeQuota struct {
	mu         sync.Mutex
	daily      map[string]int64
	accountErr error
}

func newFakeQuota() *fakeQuota { return &fakeQuota{daily: make(map[string]int64)} }

func (f *fakeQuota) DailyAttempts(_ context.Context, c *domain.Campaign, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.daily[c.DayKey(now)], nil
}

func (f *fakeQuota) CheckAccount(_ context.Context, _ uuid.UUID, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accountErr
}

func (f *fakeQuota) RecordAttempt(_ context.Context, c *domain.Campaign, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.daily[c.DayKey(now)]++
	return nil
}

type fakeCampaignNotifier struct {
	mu       sync.Mutex
	channels []string
}

func (f *fakeCampaignNotifier) Publish(_ context.Context, _ uuid.UUID, channel string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channel)
}

func (f *fakeCampaignNotifier) has(channel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.channels {
		if c == channel {
			return true
		}
	}
	return false
}

type fixture struct {
	campaigns *fakeCampaigns
	leads     *fakeLeads
	agents    *fakeAgents
	jobs      *fakeJobs
	dispatch  *fakeDispatcher
	quota     *fakeQuota
	notifier  *fakeCampaignNotifier
	sched     *Scheduler
	now       time.Time
	campaign  domain.Campaign
}

func baseCampaign() domain.Campaign {
	return domain.Campaign{
		ID:         uuid.New(),
		AccountID:  uuid.New(),
		AgentID:    uuid.New(),
		Name:       "q3-renewals",
		FromNumber: "+15550100",
		TimeZone:   "UTC",
		Status:     domain.CampaignStatusDraft,
		Pacing: domain.PacingPolicy{
			DailyCallLimit:   10,
			MinCallInterval:  2 * time.Minute,
			MaxRetryAttempts: 2,
			RetryInterval:    15 * time.Minute,
		},
		CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func lead(campaignID uuid.UUID, phone string, createdAt time.Time) domain.Lead {
	return domain.Lead{
		ID:          uuid.New(),
		CampaignID:  campaignID,
		PhoneNumber: phone,
		Status:      domain.LeadStatusPending,
		CreatedAt:   createdAt,
	}
}

func newFixture(t *testing.T, campaign domain.Campaign, leads ...domain.Lead) *fixture {
	t.Helper()
	f := &fixture{
		campaigns: newFakeCampaigns(campaign),
		leads:     newFakeLeads(leads...),
		agents: &fakeAgents{agents: map[uuid.UUID]domain.AgentProfile{
			campaign.AgentID: {ID: campaign.AgentID, AccountID: campaign.AccountID, Name: "ava", Active: true},
		}},
		jobs:     &fakeJobs{},
		dispatch: &fakeDispatcher{},
		quota:    newFakeQuota(),
		notifier: &fakeCampaignNotifier{},
		now:      time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
		campaign: campaign,
	}
	f.sched = New(f.campaigns, f.leads, f.agents, f.jobs, f.dispatch, f.quota, f.notifier,
		config.DialerConfig{EmptyPollBackoff: 30 * time.Second, OffWindowBackoff: 5 * time.Minute}, nil)
	f.sched.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) startAndTick(t *testing.T) {
	t.Helper()
	if err := f.sched.Start(context.Background(), f.campaign.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.jobs.pop(t).run(context.Background())
}

func TestStartDispatchesOldestLeadFirst(t *testing.T) {
	c := baseCampaign()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	first := lead(c.ID, "+15550101", base)
	second := lead(c.ID, "+15550102", base.Add(time.Minute))
	f := newFixture(t, c, second, first)

	f.startAndTick(t)

	if f.dispatch.count() != 1 {
		t.Fatalf("dispatched %d", f.dispatch.count())
	}
	msg := f.dispatch.sent[0]
	if msg.PhoneNumber != "+15550101" {
		t.Fatalf("dispatched %s, want oldest lead first", msg.PhoneNumber)
	}
	if msg.Attempt != 1 {
		t.Fatalf("attempt = %d", msg.Attempt)
	}

	got, _ := f.leads.Get(context.Background(), first.ID)
	if got.Status != domain.LeadStatusCalling {
		t.Fatalf("lead status = %q", got.Status)
	}

	// Next tick is armed MinCallInterval out.
	next := f.jobs.pop(t)
	if next.delay != c.Pacing.MinCallInterval {
		t.Fatalf("re-arm delay = %v", next.delay)
	}
	if !f.notifier.has(ChannelCampaignStarted) {
		t.Fatal("missing campaign started notification")
	}
}

func TestDailyLimitDefersToNextDay(t *testing.T) {
	c := baseCampaign()
	c.Pacing.DailyCallLimit = 1
	l1 := lead(c.ID, "+15550101", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	l2 := lead(c.ID, "+15550102", time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC))
	f := newFixture(t, c, l1, l2)

	f.startAndTick(t)
	if f.dispatch.count() != 1 {
		t.Fatalf("dispatched %d on first tick", f.dispatch.count())
	}

	// Second tick: the limit is spent; the second lead waits for tomorrow.
	f.now = f.now.Add(c.Pacing.MinCallInterval)
	f.jobs.pop(t).run(context.Background())

	if f.dispatch.count() != 1 {
		t.Fatalf("limit ignored: dispatched %d", f.dispatch.count())
	}
	deferred := f.jobs.pop(t)
	wantDelay := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC).Sub(f.now)
	if deferred.delay != wantDelay {
		t.Fatalf("deferred %v, want %v (start of next day)", deferred.delay, wantDelay)
	}

	// Tomorrow the counter is fresh and the second lead goes out.
	f.now = f.now.Add(wantDelay)
	deferred.run(context.Background())
	if f.dispatch.count() != 2 {
		t.Fatalf("dispatched %d after day rollover", f.dispatch.count())
	}
	if f.dispatch.sent[1].PhoneNumber != "+15550102" {
		t.Fatalf("second dispatch = %s", f.dispatch.sent[1].PhoneNumber)
	}
}

func TestRetryDelayHonored(t *testing.T) {
	c := baseCampaign()
	l := lead(c.ID, "+15550101", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	f := newFixture(t, c, l)

	f.startAndTick(t)
	if f.dispatch.count() != 1 {
		t.Fatalf("dispatched %d", f.dispatch.count())
	}

	// Simulate the status worker requeueing the lead after a no-answer.
	claimed, _ := f.leads.Get(context.Background(), l.ID)
	if err := claimed.ApplyOutcome(domain.OutcomeNoAnswer, c.Pacing, f.now); err != nil {
		t.Fatalf("apply outcome: %v", err)
	}
	_ = f.leads.Update(context.Background(), claimed)

	// Before the retry delay elapses the lead is not eligible.
	f.now = f.now.Add(c.Pacing.MinCallInterval)
	f.jobs.pop(t).run(context.Background())
	if f.dispatch.count() != 1 {
		t.Fatal("retried before the retry delay elapsed")
	}

	// After the delay it is dialed again with attempt=2.
	f.now = f.now.Add(c.Pacing.RetryInterval)
	f.jobs.pop(t).run(context.Background())
	if f.dispatch.count() != 2 {
		t.Fatalf("dispatched %d after retry delay", f.dispatch.count())
	}
	if f.dispatch.sent[1].Attempt != 2 {
		t.Fatalf("retry attempt = %d", f.dispatch.sent[1].Attempt)
	}
}

func TestOutsideWindowDefersUntilOpen(t *testing.T) {
	c := baseCampaign()
	c.Pacing.CallWindowStart = 9 * 60  // 09:00
	c.Pacing.CallWindowEnd = 17 * 60   // 17:00
	l := lead(c.ID, "+15550101", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	f := newFixture(t, c, l)
	f.now = time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC) // 04:00, closed

	f.startAndTick(t)

	if f.dispatch.count() != 0 {
		t.Fatal("dispatched outside the call window")
	}
	deferred := f.jobs.pop(t)
	if want := 5 * time.Hour; deferred.delay != want {
		t.Fatalf("deferred %v, want %v (window open)", deferred.delay, want)
	}
}

func TestPauseStopsTheChain(t *testing.T) {
	c := baseCampaign()
	l := lead(c.ID, "+15550101", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	f := newFixture(t, c, l)

	f.startAndTick(t)
	if err := f.sched.Pause(context.Background(), c.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	if f.jobs.pending() != 0 {
		t.Fatalf("%d jobs survived pause", f.jobs.pending())
	}
	if got := f.campaigns.status(c.ID); got != domain.CampaignStatusPaused {
		t.Fatalf("status = %q", got)
	}
	if !f.notifier.has(ChannelCampaignPaused) {
		t.Fatal("missing paused notification")
	}

	// A stale tick that still fires must not dispatch or re-arm.
	f.sched.tick(context.Background(), c.ID)
	if f.jobs.pending() != 0 || f.dispatch.count() != 1 {
		t.Fatal("stale tick acted on a paused campaign")
	}
}

func TestQuotaExhaustionPausesCampaign(t *testing.T) {
	c := baseCampaign()
	l := lead(c.ID, "+15550101", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	f := newFixture(t, c, l)
	f.quota.accountErr = fmt.Errorf("%w: account out of budget", apperrors.ErrQuotaExceeded)

	f.startAndTick(t)

	if f.dispatch.count() != 0 {
		t.Fatal("dispatched despite exhausted quota")
	}
	if got := f.campaigns.status(c.ID); got != domain.CampaignStatusPaused {
		t.Fatalf("status = %q, want paused", got)
	}
	if f.jobs.pending() != 0 {
		t.Fatal("ticks survived quota pause")
	}
}

func TestCampaignCompletesWhenLeadsExhausted(t *testing.T) {
	c := baseCampaign()
	l := lead(c.ID, "+15550101", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	f := newFixture(t, c, l)

	if err := f.sched.Start(context.Background(), c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The only lead finishes before the first tick fires.
	got, _ := f.leads.Get(context.Background(), l.ID)
	got.Status = domain.LeadStatusCompleted
	_ = f.leads.Update(context.Background(), got)
	f.jobs.pop(t).run(context.Background())

	if got := f.campaigns.status(c.ID); got != domain.CampaignStatusCompleted {
		t.Fatalf("status = %q, want completed", got)
	}
	if !f.notifier.has(ChannelCampaignCompleted) {
		t.Fatal("missing completed notification")
	}
	if f.jobs.pending() != 0 {
		t.Fatal("completed campaign re-armed")
	}
}

func TestDispatchFailureReleasesLead(t *testing.T) {
	c := baseCampaign()
	l := lead(c.ID, "+15550101", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	f := newFixture(t, c, l)
	f.dispatch.err = errors.New("broker down")

	f.startAndTick(t)

	got, _ := f.leads.Get(context.Background(), l.ID)
	if got.Status != domain.LeadStatusPending {
		t.Fatalf("lead status = %q after dispatch failure", got.Status)
	}
	if got.NextAttemptAt == nil || !got.NextAttemptAt.After(f.now) {
		t.Fatal("released lead missing a future retry time")
	}
	// The chain keeps going so the lead is retried later.
	if f.jobs.pending() != 1 {
		t.Fatalf("pending jobs = %d", f.jobs.pending())
	}
}

func TestStartRejectsActiveAndTerminalCampaigns(t *testing.T) {
	c := baseCampaign()
	c.Status = domain.CampaignStatusActive
	f := newFixture(t, c)
	if err := f.sched.Start(context.Background(), c.ID); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	c2 := baseCampaign()
	c2.Status = domain.CampaignStatusCancelled
	f2 := newFixture(t, c2)
	if err := f2.sched.Start(context.Background(), c2.ID); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStartRequiresALeadToDial(t *testing.T) {
	c := baseCampaign()
	f := newFixture(t, c) // campaign with zero leads

	err := f.sched.Start(context.Background(), c.ID)
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := f.campaigns.status(c.ID); got != domain.CampaignStatusDraft {
		t.Fatalf("status = %q, campaign activated without leads", got)
	}
	if f.jobs.pending() != 0 {
		t.Fatal("tick armed for a rejected start")
	}
}

func TestStartRequiresActiveAgent(t *testing.T) {
	c := baseCampaign()
	l := lead(c.ID, "+15550101", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	f := newFixture(t, c, l)
	f.agents.setActive(c.AgentID, false)

	err := f.sched.Start(context.Background(), c.ID)
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := f.campaigns.status(c.ID); got != domain.CampaignStatusDraft {
		t.Fatalf("status = %q, campaign activated with an inactive agent", got)
	}
}

func TestReconcileArmsPersistedActiveCampaigns(t *testing.T) {
	active := baseCampaign()
	active.Status = domain.CampaignStatusActive
	idle := baseCampaign()
	f := newFixture(t, active)
	_ = f.campaigns.Create(context.Background(), &idle)

	if err := f.sched.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if f.jobs.pending() != 1 {
		t.Fatalf("armed %d campaigns, want 1", f.jobs.pending())
	}
}
