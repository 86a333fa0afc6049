package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beliaevvc/reskinlab-sub002/internal/config"
	"github.com/beliaevvc/reskinlab-sub002/internal/db"
	"github.com/beliaevvc/reskinlab-sub002/internal/domain"
	"github.com/beliaevvc/reskinlab-sub002/internal/engine"
	"github.com/beliaevvc/reskinlab-sub002/internal/migrate"
	"github.com/beliaevvc/reskinlab-sub002/internal/notify"
)

var fixedNow = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Sent   *sentChanges
}

type sentChanges struct {
	mu      sync.Mutex
	changes []notify.StageChange
}

func (s *sentChanges) Dispatch(_ context.Context, c notify.StageChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, c)
	return nil
}

func (s *sentChanges) all() []notify.StageChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.StageChange(nil), s.changes...)
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return fixedNow }
	eng.Suffix = func() int { return 42 }
	sent := &sentChanges{}
	eng.Notifier = sent
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, engine.InitProjectOptions{ID: "proj-1", Description: "slot reskin", ActorID: "tester"}); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Sent: sent}
}

func (env testEnv) exec(t *testing.T, query string) {
	t.Helper()
	if _, err := env.Engine.DB.ExecContext(env.Ctx, query); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func allItems() []domain.SpecItem {
	return []domain.SpecItem{
		{Key: "bg", Name: "Background", Quantity: 1, UnitPrice: 4000},
		{Key: "sym", Name: "Symbols", Quantity: 10, UnitPrice: 300, Symbols: true},
		{Key: "anim", Name: "Big win", Quantity: 1, UnitPrice: 3000, Animation: true},
	}
}

func finalizedSpec(t *testing.T, env testEnv, model string, total int64) domain.Specification {
	t.Helper()
	spec, err := env.Engine.SaveSpecification(env.Ctx, engine.SpecificationInput{
		ProjectID:    "proj-1",
		GrandTotal:   total,
		Items:        allItems(),
		PaymentModel: model,
		ActorID:      "tester",
	})
	require.NoError(t, err)
	spec, err = env.Engine.FinalizeSpecification(env.Ctx, spec.ID, "tester")
	require.NoError(t, err)
	require.Equal(t, domain.SpecFinalized, spec.Status)
	return spec
}

func stageStatuses(stages []domain.WorkflowStage) map[int]string {
	out := map[int]string{}
	for _, s := range stages {
		out[s.Order] = s.Status
	}
	return out
}

func TestInitProjectEagerStages(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.InitProject(env.Ctx, engine.InitProjectOptions{ID: "proj-2", EagerStages: true, ActorID: "tester"})
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectDraft, p.Status)

	stages, err := env.Engine.ListStages(env.Ctx, "proj-2")
	require.NoError(t, err)
	require.Len(t, stages, 7)
	for i, s := range stages {
		assert.True(t, s.Persisted)
		assert.Equal(t, i+1, s.Order)
		assert.Equal(t, domain.StagePending, s.Status)
	}

	_, err = env.Engine.InitProject(env.Ctx, engine.InitProjectOptions{ID: "proj-2"})
	assert.True(t, engine.IsConflict(err), "got %v", err)
}

func TestListStagesShowsPlaceholders(t *testing.T) {
	env := newTestEnv(t)
	stages, err := env.Engine.ListStages(env.Ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, stages, 7)
	for _, s := range stages {
		assert.False(t, s.Persisted)
		assert.Empty(t, s.ID)
	}
	assert.Equal(t, "briefing", stages[0].StageKey)
	assert.Equal(t, "delivery", stages[6].StageKey)

	_, err = env.Engine.ListStages(env.Ctx, "missing")
	assert.True(t, engine.IsNotFound(err))
}

func TestActivateCascadeMaterializesPlaceholders(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.ActivateStage(env.Ctx, "proj-1", "symbols", "tester")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Target.Order)
	assert.Len(t, res.Affected, 3)

	stages, err := env.Engine.ListStages(env.Ctx, "proj-1")
	require.NoError(t, err)
	for _, s := range stages {
		if s.Order <= 3 {
			assert.True(t, s.Persisted, "order %d", s.Order)
			assert.Equal(t, domain.StageInProgress, s.Status)
			require.NotNil(t, s.StartedAt)
			assert.Equal(t, "2026-01-15T09:00:00Z", *s.StartedAt)
			assert.Nil(t, s.CompletedAt)
		} else {
			assert.False(t, s.Persisted, "order %d", s.Order)
			assert.Equal(t, domain.StagePending, s.Status)
		}
	}

	sent := env.Sent.all()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.Activated, sent[0].Action)
	assert.Equal(t, "Symbols", sent[0].TargetStage)
	assert.Equal(t, []string{"Briefing", "Moodboard", "Symbols"}, sent[0].AffectedStages)
}

func TestActivateCascadeEagerStages(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.InitProject(env.Ctx, engine.InitProjectOptions{ID: "proj-2", EagerStages: true})
	require.NoError(t, err)

	_, err = env.Engine.ActivateStage(env.Ctx, "proj-2", "moodboard", "tester")
	require.NoError(t, err)
	stages, err := env.Engine.ListStages(env.Ctx, "proj-2")
	require.NoError(t, err)
	_, err = env.Engine.UpdateStageStatus(env.Ctx, stages[1].ID, domain.StageReview, "tester")
	require.NoError(t, err)

	res, err := env.Engine.ActivateStage(env.Ctx, "proj-2", stages[2].ID, "tester")
	require.NoError(t, err)
	require.Len(t, res.Affected, 1, "only the still-pending stage moves")
	assert.Equal(t, "symbols", res.Affected[0].StageKey)

	stages, err = env.Engine.ListStages(env.Ctx, "proj-2")
	require.NoError(t, err)
	assert.Equal(t, map[int]string{
		1: domain.StageInProgress, 2: domain.StageReview, 3: domain.StageInProgress,
		4: domain.StagePending, 5: domain.StagePending, 6: domain.StagePending, 7: domain.StagePending,
	}, stageStatuses(stages))
}

func TestDeactivateCascade(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ActivateStage(env.Ctx, "proj-1", "animation", "tester")
	require.NoError(t, err)
	stages, err := env.Engine.ListStages(env.Ctx, "proj-1")
	require.NoError(t, err)
	_, err = env.Engine.UpdateStageStatus(env.Ctx, stages[3].ID, domain.StageCompleted, "tester")
	require.NoError(t, err)

	res, err := env.Engine.DeactivateStage(env.Ctx, "proj-1", "symbols", "tester")
	require.NoError(t, err)
	assert.Len(t, res.Affected, 3)

	stages, err = env.Engine.ListStages(env.Ctx, "proj-1")
	require.NoError(t, err)
	for _, s := range stages {
		switch {
		case s.Order < 3:
			assert.Equal(t, domain.StageInProgress, s.Status, "order %d", s.Order)
			assert.NotNil(t, s.StartedAt)
		default:
			assert.Equal(t, domain.StagePending, s.Status, "order %d", s.Order)
			assert.Nil(t, s.StartedAt)
			assert.Nil(t, s.CompletedAt)
		}
	}

	sent := env.Sent.all()
	require.Len(t, sent, 2)
	assert.Equal(t, notify.Deactivated, sent[1].Action)
	assert.Equal(t, []string{"Symbols", "UI", "Animation"}, sent[1].AffectedStages)
}

func TestDeactivatePlaceholderTargetTouchesNothing(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ActivateStage(env.Ctx, "proj-1", "moodboard", "tester")
	require.NoError(t, err)
	res, err := env.Engine.DeactivateStage(env.Ctx, "proj-1", "delivery", "tester")
	require.NoError(t, err)
	assert.Empty(t, res.Affected)
	assert.Len(t, env.Sent.all(), 1, "no notification for an empty cascade")
}

func TestCascadeSurvivesNotificationFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Notifier = notify.Func(func(context.Context, notify.StageChange) error {
		return errors.New("webhook down")
	})
	res, err := env.Engine.ActivateStage(env.Ctx, "proj-1", "ui", "tester")
	require.NoError(t, err)
	assert.Len(t, res.Affected, 4)
}

type memSetNX struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (m *memSetNX) SetNX(_ context.Context, key string, _ interface{}, _ time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[key] {
		return redis.NewBoolResult(false, nil)
	}
	m.seen[key] = true
	return redis.NewBoolResult(true, nil)
}

func TestRepeatedCascadesEachNotifyThroughDedupe(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Notifier = notify.Dedupe{Next: env.Sent, RDB: &memSetNX{seen: map[string]bool{}}, TTL: time.Hour}

	for i := 0; i < 2; i++ {
		res, err := env.Engine.ActivateStage(env.Ctx, "proj-1", "ui", "tester")
		require.NoError(t, err)
		require.Len(t, res.Affected, 4)
		res, err = env.Engine.DeactivateStage(env.Ctx, "proj-1", "briefing", "tester")
		require.NoError(t, err)
		require.Len(t, res.Affected, 4)
	}

	sent := env.Sent.all()
	require.Len(t, sent, 4, "every cascade is delivered once")
	assert.Equal(t, sent[0].AffectedStages, sent[2].AffectedStages)
	assert.NotEqual(t, sent[0].Key(), sent[2].Key())

	// a redelivery of the same cascade is still suppressed
	require.NoError(t, env.Engine.Notifier.Dispatch(env.Ctx, sent[0]))
	assert.Len(t, env.Sent.all(), 4)
}

func TestActivateUnknownStage(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ActivateStage(env.Ctx, "proj-1", "nope", "tester")
	assert.True(t, engine.IsNotFound(err))
}

func TestUpdateStageStatusTimestamps(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.ActivateStage(env.Ctx, "proj-1", "briefing", "tester")
	require.NoError(t, err)
	id := res.Target.ID

	s, err := env.Engine.UpdateStageStatus(env.Ctx, id, domain.StageCompleted, "tester")
	require.NoError(t, err)
	require.NotNil(t, s.CompletedAt)
	require.NotNil(t, s.StartedAt)

	env.Engine.Now = func() time.Time { return fixedNow.Add(48 * time.Hour) }
	s, err = env.Engine.UpdateStageStatus(env.Ctx, id, domain.StageReview, "tester")
	require.NoError(t, err)
	assert.Nil(t, s.CompletedAt)
	require.NotNil(t, s.StartedAt)
	assert.Equal(t, "2026-01-17T09:00:00Z", *s.StartedAt, "review stamps started_at")

	s, err = env.Engine.UpdateStageStatus(env.Ctx, id, domain.StagePending, "tester")
	require.NoError(t, err)
	assert.Nil(t, s.CompletedAt)
	assert.Nil(t, s.StartedAt)

	_, err = env.Engine.UpdateStageStatus(env.Ctx, id, "done", "tester")
	assert.True(t, engine.IsValidation(err))
	_, err = env.Engine.UpdateStageStatus(env.Ctx, "missing", domain.StageReview, "tester")
	assert.True(t, engine.IsNotFound(err))
}

func TestCreateOfferStandardSchedule(t *testing.T) {
	env := newTestEnv(t)
	spec := finalizedSpec(t, env, "Standard", 10000)

	res, err := env.Engine.IssueOffer(env.Ctx, spec.ID, "tester")
	require.NoError(t, err)
	require.Nil(t, res.Partial)
	assert.True(t, res.Created)
	assert.Equal(t, "OFF-2026-00001-42", res.Offer.Number)
	assert.Equal(t, domain.OfferPending, res.Offer.Status)
	assert.Equal(t, "2026-02-14T09:00:00Z", res.Offer.ValidUntil)
	assert.Contains(t, res.Offer.LegalText, "OFF-2026-00001-42")

	require.Len(t, res.Invoices, 6)
	var sum int64
	for i, inv := range res.Invoices {
		assert.Equal(t, i+1, inv.MilestoneOrder)
		assert.Equal(t, domain.InvoicePending, inv.Status)
		assert.Equal(t, "USD", inv.Currency)
		sum += inv.Amount
	}
	assert.Equal(t, int64(10000), sum)
	assert.Equal(t, int64(1500), res.Invoices[0].Amount)
	assert.Equal(t, "upfront", res.Invoices[0].MilestoneID)
	for _, inv := range res.Invoices[1:] {
		assert.Equal(t, int64(1700), inv.Amount)
	}
	assert.Equal(t, "INV-2026-00001", res.Invoices[0].Number)
	assert.Equal(t, "INV-2026-00006", res.Invoices[5].Number)
	assert.Equal(t, "2026-01-22T09:00:00Z", res.Invoices[0].DueDate)
	assert.Equal(t, "2026-02-26T09:00:00Z", res.Invoices[5].DueDate)

	p, err := env.Engine.GetProject(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectOfferPending, p.Status)
}

func TestCreateOfferOtherModels(t *testing.T) {
	env := newTestEnv(t)
	full := finalizedSpec(t, env, "FullPre", 9999)
	res, err := env.Engine.IssueOffer(env.Ctx, full.ID, "tester")
	require.NoError(t, err)
	require.Len(t, res.Invoices, 1)
	assert.Equal(t, int64(9999), res.Invoices[0].Amount)

	zero := finalizedSpec(t, env, "Zero", 10001)
	res, err = env.Engine.IssueOffer(env.Ctx, zero.ID, "tester")
	require.NoError(t, err)
	require.Len(t, res.Invoices, 5)
	var sum int64
	for _, inv := range res.Invoices {
		sum += inv.Amount
	}
	assert.Equal(t, int64(10001), sum)
	assert.Equal(t, "OFF-2026-00002-42", res.Offer.Number)
	assert.Equal(t, "INV-2026-00002", res.Invoices[0].Number)
}

func TestCreateOfferRequiresFinalizedSpecification(t *testing.T) {
	env := newTestEnv(t)
	spec, err := env.Engine.SaveSpecification(env.Ctx, engine.SpecificationInput{ProjectID: "proj-1", Items: allItems()})
	require.NoError(t, err)
	assert.Equal(t, int64(10000), spec.Totals.GrandTotal, "total derived from items")

	_, err = env.Engine.CreateOffer(env.Ctx, spec.ID, "tester")
	assert.True(t, engine.IsPrecondition(err), "got %v", err)

	_, err = env.Engine.CreateOffer(env.Ctx, "missing", "tester")
	assert.True(t, engine.IsNotFound(err))
}

func TestCreateOfferIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	spec := finalizedSpec(t, env, "Standard", 10000)
	first, err := env.Engine.CreateOffer(env.Ctx, spec.ID, "tester")
	require.NoError(t, err)
	second, err := env.Engine.IssueOffer(env.Ctx, spec.ID, "tester")
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first, second.Offer)
	assert.Len(t, second.Invoices, 6)

	invoices, err := env.Engine.ListInvoices(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Len(t, invoices, 6)
}

func TestConcurrentCreateOfferYieldsOneOffer(t *testing.T) {
	env := newTestEnv(t)
	spec := finalizedSpec(t, env, "Standard", 10000)

	const callers = 4
	var wg sync.WaitGroup
	offers := make([]domain.Offer, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			offers[i], errs[i] = env.Engine.CreateOffer(env.Ctx, spec.ID, "tester")
		}(i)
	}
	wg.Wait()
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, offers[0].ID, offers[i].ID)
	}
	all, err := env.Engine.ListOffers(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestIssueOfferReportsPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	env.exec(t, `CREATE TRIGGER fail_ui_invoice BEFORE INSERT ON invoices WHEN NEW.milestone_id = 'ui'
BEGIN SELECT RAISE(ABORT, 'injected failure'); END`)
	spec := finalizedSpec(t, env, "Standard", 10000)

	res, err := env.Engine.IssueOffer(env.Ctx, spec.ID, "tester")
	require.NoError(t, err)
	require.NotNil(t, res.Partial)
	assert.Equal(t, res.Offer.ID, res.Partial.OfferID)
	require.Len(t, res.Partial.Failures, 1)
	assert.Equal(t, "ui", res.Partial.Failures[0].Item)
	assert.Len(t, res.Invoices, 5)

	p, err := env.Engine.GetProject(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectOfferPending, p.Status)
}

func TestOfferNumberExhaustionIsConflict(t *testing.T) {
	env := newTestEnv(t)
	env.exec(t, `CREATE TRIGGER always_taken BEFORE INSERT ON offers
BEGIN SELECT RAISE(ABORT, 'UNIQUE constraint failed: offers.number'); END`)
	spec := finalizedSpec(t, env, "Standard", 10000)
	_, err := env.Engine.CreateOffer(env.Ctx, spec.ID, "tester")
	assert.True(t, engine.IsConflict(err), "got %v", err)

	_, err = env.Engine.GetOfferBySpecification(env.Ctx, spec.ID)
	assert.True(t, engine.IsNotFound(err))
}

func TestSpecificationImmutableOnceFinalized(t *testing.T) {
	env := newTestEnv(t)
	spec := finalizedSpec(t, env, "Standard", 10000)
	_, err := env.Engine.SaveSpecification(env.Ctx, engine.SpecificationInput{ID: spec.ID, ProjectID: "proj-1", GrandTotal: 1})
	assert.True(t, engine.IsPrecondition(err))
	_, err = env.Engine.FinalizeSpecification(env.Ctx, spec.ID, "tester")
	assert.True(t, engine.IsPrecondition(err))

	preview, err := env.Engine.PreviewSchedule(env.Ctx, spec.ID)
	require.NoError(t, err)
	assert.Len(t, preview, 6)
}

func issuedInvoices(t *testing.T, env testEnv) (domain.Offer, []domain.Invoice) {
	t.Helper()
	spec := finalizedSpec(t, env, "Standard", 10000)
	res, err := env.Engine.IssueOffer(env.Ctx, spec.ID, "tester")
	require.NoError(t, err)
	return res.Offer, res.Invoices
}

func TestRejectPaymentClearsHash(t *testing.T) {
	env := newTestEnv(t)
	_, invoices := issuedInvoices(t, env)
	id := invoices[0].ID

	inv, err := env.Engine.SubmitPayment(env.Ctx, id, "abc123", "client")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceAwaitingConfirmation, inv.Status)
	require.NotNil(t, inv.TxHash)
	assert.Equal(t, "abc123", *inv.TxHash)

	_, err = env.Engine.RejectPayment(env.Ctx, id, "  ", "staff")
	assert.True(t, engine.IsPrecondition(err), "reason required, got %v", err)
	inv, err = env.Engine.GetInvoice(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceAwaitingConfirmation, inv.Status, "rejection without a reason changes nothing")

	inv, err = env.Engine.RejectPayment(env.Ctx, id, "wrong hash", "staff")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePending, inv.Status)
	assert.Nil(t, inv.TxHash)
	require.NotNil(t, inv.RejectionReason)
	assert.Equal(t, "wrong hash", *inv.RejectionReason)
}

func TestConfirmOnlyFromAwaitingConfirmation(t *testing.T) {
	env := newTestEnv(t)
	_, invoices := issuedInvoices(t, env)
	id := invoices[1].ID

	_, err := env.Engine.ConfirmPayment(env.Ctx, id, "staff")
	assert.True(t, engine.IsPrecondition(err), "got %v", err)
	inv, err := env.Engine.GetInvoice(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePending, inv.Status, "failed confirm is a no-op")

	_, err = env.Engine.SubmitPayment(env.Ctx, id, "", "client")
	assert.True(t, engine.IsPrecondition(err))
	_, err = env.Engine.SubmitPayment(env.Ctx, id, "0xfeed", "client")
	require.NoError(t, err)
	_, err = env.Engine.SubmitPayment(env.Ctx, id, "0xfeed", "client")
	assert.True(t, engine.IsPrecondition(err))

	inv, err = env.Engine.ConfirmPayment(env.Ctx, id, "staff")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePaid, inv.Status)
	require.NotNil(t, inv.PaidAt)
	require.NotNil(t, inv.ConfirmedBy)
	assert.Equal(t, "staff", *inv.ConfirmedBy)

	_, err = env.Engine.ConfirmPayment(env.Ctx, id, "staff")
	assert.True(t, engine.IsPrecondition(err))
	_, err = env.Engine.RejectPayment(env.Ctx, id, "late", "staff")
	assert.True(t, engine.IsPrecondition(err))
	_, err = env.Engine.ConfirmPayment(env.Ctx, "missing", "staff")
	assert.True(t, engine.IsNotFound(err))
}

func TestFirstPaymentOfAcceptedOfferStartsProduction(t *testing.T) {
	env := newTestEnv(t)
	offer, invoices := issuedInvoices(t, env)

	accepted, err := env.Engine.AcceptOffer(env.Ctx, offer.ID, "client")
	require.NoError(t, err)
	assert.Equal(t, domain.OfferAccepted, accepted.Status)
	require.NotNil(t, accepted.AcceptedAt)
	p, err := env.Engine.GetProject(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectPendingPayment, p.Status)

	_, err = env.Engine.AcceptOffer(env.Ctx, offer.ID, "client")
	assert.True(t, engine.IsPrecondition(err))

	_, err = env.Engine.SubmitPayment(env.Ctx, invoices[0].ID, "0xabc", "client")
	require.NoError(t, err)
	_, err = env.Engine.ConfirmPayment(env.Ctx, invoices[0].ID, "staff")
	require.NoError(t, err)
	p, err = env.Engine.GetProject(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectInProduction, p.Status)
}

func TestCancelOfferCancelsPendingInvoices(t *testing.T) {
	env := newTestEnv(t)
	offer, invoices := issuedInvoices(t, env)
	_, err := env.Engine.SubmitPayment(env.Ctx, invoices[0].ID, "0xabc", "client")
	require.NoError(t, err)

	cancelled, err := env.Engine.CancelOffer(env.Ctx, offer.ID, "staff")
	require.NoError(t, err)
	assert.Equal(t, domain.OfferCancelled, cancelled.Status)

	after, err := env.Engine.ListOfferInvoices(env.Ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceAwaitingConfirmation, after[0].Status)
	for _, inv := range after[1:] {
		assert.Equal(t, domain.InvoiceCancelled, inv.Status)
	}
	p, err := env.Engine.GetProject(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectCancelled, p.Status)

	_, err = env.Engine.AcceptOffer(env.Ctx, offer.ID, "client")
	assert.True(t, engine.IsPrecondition(err))
}

func TestExpireOffers(t *testing.T) {
	env := newTestEnv(t)
	offer, _ := issuedInvoices(t, env)

	n, err := env.Engine.ExpireOffers(env.Ctx, "system")
	require.NoError(t, err)
	assert.Zero(t, n)

	env.Engine.Now = func() time.Time { return fixedNow.AddDate(0, 0, 31) }
	_, err = env.Engine.AcceptOffer(env.Ctx, offer.ID, "client")
	assert.True(t, engine.IsPrecondition(err), "past valid_until")

	n, err = env.Engine.ExpireOffers(env.Ctx, "system")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := env.Engine.GetOffer(env.Ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OfferExpired, got.Status)
}

func TestApprovalRevisionRounds(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.RequestApproval(env.Ctx, engine.ApprovalRequest{
		ProjectID: "proj-1", ApprovalType: "moodboard_review", RequestedBy: "artist",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, a.RevisionRound)
	assert.Equal(t, 2, a.MaxFreeRounds)
	assert.False(t, a.Overage())

	_, err = env.Engine.RespondApproval(env.Ctx, a.ID, domain.ApprovalNeedsRevision, "", "client")
	assert.True(t, engine.IsPrecondition(err), "comment required, got %v", err)
	_, err = env.Engine.RespondApproval(env.Ctx, a.ID, domain.ApprovalRejected, " ", "client")
	assert.True(t, engine.IsPrecondition(err), "comment required for rejected")

	a, err = env.Engine.RespondApproval(env.Ctx, a.ID, domain.ApprovalNeedsRevision, "warmer palette", "client")
	require.NoError(t, err)
	assert.Equal(t, 2, a.RevisionRound)
	assert.False(t, a.Overage())

	a, err = env.Engine.RespondApproval(env.Ctx, a.ID, domain.ApprovalNeedsRevision, "still too cold", "client")
	require.NoError(t, err)
	assert.Equal(t, 3, a.RevisionRound)
	assert.True(t, a.Overage())
	require.NotNil(t, a.ClientComment)
	assert.Equal(t, "still too cold", *a.ClientComment, "previous comment is overwritten")

	a, err = env.Engine.RespondApproval(env.Ctx, a.ID, domain.ApprovalApproved, "", "client")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, a.Status)
	assert.Equal(t, 3, a.RevisionRound, "approval does not add a round")
	assert.Nil(t, a.ClientComment)

	_, err = env.Engine.RespondApproval(env.Ctx, a.ID, domain.ApprovalRejected, "changed my mind", "client")
	assert.True(t, engine.IsPrecondition(err))
	_, err = env.Engine.RespondApproval(env.Ctx, a.ID, "maybe", "", "client")
	assert.True(t, engine.IsValidation(err))
}

func TestApprovalOfStageApprovesOnlyThatStage(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.ActivateStage(env.Ctx, "proj-1", "symbols", "tester")
	require.NoError(t, err)
	moodboard := res.Affected[1]
	require.Equal(t, "moodboard", moodboard.StageKey)

	a, err := env.Engine.RequestApproval(env.Ctx, engine.ApprovalRequest{
		ProjectID: "proj-1", StageID: moodboard.ID, ApprovalType: "stage", RequestedBy: "artist",
	})
	require.NoError(t, err)
	_, err = env.Engine.RespondApproval(env.Ctx, a.ID, domain.ApprovalApproved, "", "client")
	require.NoError(t, err)

	stages, err := env.Engine.ListStages(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, map[int]string{
		1: domain.StageInProgress, 2: domain.StageApproved, 3: domain.StageInProgress,
		4: domain.StagePending, 5: domain.StagePending, 6: domain.StagePending, 7: domain.StagePending,
	}, stageStatuses(stages))
	assert.NotNil(t, stages[1].CompletedAt)
	assert.Len(t, env.Sent.all(), 1, "single-stage approval does not cascade or notify")
}

func TestRequestApprovalValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RequestApproval(env.Ctx, engine.ApprovalRequest{ProjectID: "proj-1", RequestedBy: "artist"})
	assert.True(t, engine.IsValidation(err))
	_, err = env.Engine.RequestApproval(env.Ctx, engine.ApprovalRequest{ProjectID: "nope", ApprovalType: "x", RequestedBy: "artist"})
	assert.True(t, engine.IsNotFound(err))
	_, err = env.Engine.RequestApproval(env.Ctx, engine.ApprovalRequest{ProjectID: "proj-1", StageID: "nope", ApprovalType: "x", RequestedBy: "artist"})
	assert.True(t, engine.IsNotFound(err))

	rounds := 0
	a, err := env.Engine.RequestApproval(env.Ctx, engine.ApprovalRequest{ProjectID: "proj-1", ApprovalType: "x", MaxFreeRounds: &rounds, RequestedBy: "artist"})
	require.NoError(t, err)
	assert.True(t, a.Overage())
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ActivateStage(env.Ctx, "proj-1", "ui", "tester")
	require.NoError(t, err)
	evts, err := env.Engine.ListEvents(env.Ctx, "proj-1", 10)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "stage.activated", evts[0].Type)
	assert.Equal(t, "project.created", evts[1].Type)
	assert.Equal(t, "tester", evts[0].ActorID)
}
