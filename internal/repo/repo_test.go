package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beliaevvc/reskinlab-sub002/internal/db"
	"github.com/beliaevvc/reskinlab-sub002/internal/domain"
	"github.com/beliaevvc/reskinlab-sub002/internal/migrate"
	"github.com/beliaevvc/reskinlab-sub002/internal/repo"
)

const stamp = "2026-01-15T09:00:00Z"

func openRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	require.NoError(t, r.InsertProject(ctx, domain.Project{ID: "p1", Status: domain.ProjectDraft, CreatedAt: stamp, UpdatedAt: stamp}))
	return r, ctx
}

func seedOffer(t *testing.T, r repo.Repo, ctx context.Context, specID, number string) domain.Offer {
	t.Helper()
	require.NoError(t, r.InsertSpecification(ctx, domain.Specification{
		ID: specID, ProjectID: "p1", Status: domain.SpecDraft, CreatedAt: stamp, UpdatedAt: stamp,
	}))
	o := domain.Offer{
		ID: "offer-" + specID, SpecificationID: specID, ProjectID: "p1", Number: number,
		Status: domain.OfferPending, ValidUntil: "2026-02-14T09:00:00Z", LegalText: "terms", CreatedAt: stamp,
	}
	require.NoError(t, r.InsertOffer(ctx, o))
	return o
}

func TestDuplicateErrorsNameTheColumn(t *testing.T) {
	r, ctx := openRepo(t)
	err := r.InsertProject(ctx, domain.Project{ID: "p1", Status: domain.ProjectDraft, CreatedAt: stamp, UpdatedAt: stamp})
	require.Error(t, err)
	assert.True(t, errors.Is(err, repo.ErrDuplicate))
	assert.True(t, repo.IsDuplicateOf(err, "projects.id"))
	assert.False(t, repo.IsDuplicateOf(err, "offers.number"))

	seedOffer(t, r, ctx, "s1", "OFF-2026-00001-11")
	dupSpec := domain.Offer{
		ID: "o2", SpecificationID: "s1", ProjectID: "p1", Number: "OFF-2026-00002-11",
		Status: domain.OfferPending, ValidUntil: stamp, LegalText: "terms", CreatedAt: stamp,
	}
	assert.True(t, repo.IsDuplicateOf(r.InsertOffer(ctx, dupSpec), "offers.specification_id"))

	require.NoError(t, r.InsertSpecification(ctx, domain.Specification{ID: "s2", ProjectID: "p1", Status: domain.SpecDraft, CreatedAt: stamp, UpdatedAt: stamp}))
	dupNumber := dupSpec
	dupNumber.SpecificationID = "s2"
	dupNumber.Number = "OFF-2026-00001-11"
	assert.True(t, repo.IsDuplicateOf(r.InsertOffer(ctx, dupNumber), "offers.number"))

	assert.False(t, repo.IsDuplicateOf(errors.New("disk full"), "offers.number"))
}

func TestLatestNumberOrdersBySequenceWidth(t *testing.T) {
	r, ctx := openRepo(t)
	latest, err := r.LatestOfferNumber(ctx, "OFF-2026-")
	require.NoError(t, err)
	assert.Empty(t, latest)

	seedOffer(t, r, ctx, "s1", "OFF-2026-99999-10")
	seedOffer(t, r, ctx, "s2", "OFF-2026-100000-20")
	seedOffer(t, r, ctx, "s3", "OFF-2025-100001-30")

	latest, err = r.LatestOfferNumber(ctx, "OFF-2026-")
	require.NoError(t, err)
	assert.Equal(t, "OFF-2026-100000-20", latest)

	latest, err = r.LatestOfferNumber(ctx, "OFF_2026-")
	require.NoError(t, err)
	assert.Empty(t, latest, "underscore is matched literally")
}

func TestPaymentTransitionsCompareAndSet(t *testing.T) {
	r, ctx := openRepo(t)
	o := seedOffer(t, r, ctx, "s1", "OFF-2026-00001-11")
	inv := domain.Invoice{
		ID: "i1", OfferID: o.ID, ProjectID: "p1", Number: "INV-2026-00001", MilestoneID: "upfront",
		MilestoneName: "Upfront Payment", MilestoneOrder: 1, Amount: 1500, Currency: "USD",
		Status: domain.InvoicePending, DueDate: stamp, CreatedAt: stamp, UpdatedAt: stamp,
	}
	require.NoError(t, r.InsertInvoice(ctx, inv))

	assert.ErrorIs(t, r.ConfirmPayment(ctx, "i1", "staff", stamp), repo.ErrStale)
	assert.ErrorIs(t, r.RejectPayment(ctx, "i1", "nope", stamp), repo.ErrStale)
	require.NoError(t, r.SubmitPayment(ctx, "i1", "abc123", stamp))
	assert.ErrorIs(t, r.SubmitPayment(ctx, "i1", "abc123", stamp), repo.ErrStale)

	require.NoError(t, r.RejectPayment(ctx, "i1", "wrong hash", stamp))
	got, err := r.GetInvoice(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePending, got.Status)
	assert.Nil(t, got.TxHash)
	require.NotNil(t, got.RejectionReason)
	assert.Equal(t, "wrong hash", *got.RejectionReason)

	_, err = r.GetInvoice(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestStageCascadeStatements(t *testing.T) {
	r, ctx := openRepo(t)
	stages := []domain.WorkflowStage{
		{ID: "st1", ProjectID: "p1", StageKey: "briefing", Name: "Briefing", Order: 1, Status: domain.StageInProgress},
		{ID: "st2", ProjectID: "p1", StageKey: "moodboard", Name: "Moodboard", Order: 2, Status: domain.StagePending},
		{ID: "st3", ProjectID: "p1", StageKey: "symbols", Name: "Symbols", Order: 3, Status: domain.StagePending},
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.InsertStagesTx(ctx, tx, stages, stamp))
	n, err := r.ActivateStagesTx(ctx, tx, []string{"st1", "st2", "st3"}, stamp)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "only pending rows move")
	require.NoError(t, tx.Commit())

	got, err := r.ListStages(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, s := range got {
		assert.True(t, s.Persisted)
		assert.Equal(t, domain.StageInProgress, s.Status)
	}

	tx, err = r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	n, err = r.ResetStagesTx(ctx, tx, []string{"st2", "st3"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = r.ResetStagesTx(ctx, tx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, tx.Commit())

	s, err := r.GetStage(ctx, "st3")
	require.NoError(t, err)
	assert.Equal(t, domain.StagePending, s.Status)
	assert.Nil(t, s.StartedAt)

	tx, err = r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	err = r.InsertStagesTx(ctx, tx, []domain.WorkflowStage{{ID: "st4", ProjectID: "p1", StageKey: "symbols", Name: "Symbols", Order: 4, Status: domain.StagePending}}, stamp)
	assert.True(t, repo.IsDuplicateOf(err, "workflow_stages.project_id"), "got %v", err)
	require.NoError(t, tx.Rollback())
}

func TestRespondApprovalBumpsRoundOnRevision(t *testing.T) {
	r, ctx := openRepo(t)
	require.NoError(t, r.InsertApproval(ctx, domain.Approval{
		ID: "a1", ProjectID: "p1", ApprovalType: "moodboard", Status: domain.ApprovalPending,
		RevisionRound: 1, MaxFreeRounds: 2, RequestedBy: "artist", CreatedAt: stamp,
	}))
	comment := "darker"
	respond := func(status string) error {
		tx, err := r.DB.BeginTx(ctx, nil)
		require.NoError(t, err)
		defer tx.Rollback()
		if err := r.RespondApprovalTx(ctx, tx, "a1", repo.ApprovalResponse{Status: status, RespondedBy: "client", RespondedAt: stamp, Comment: &comment}); err != nil {
			return err
		}
		return tx.Commit()
	}
	require.NoError(t, respond(domain.ApprovalNeedsRevision))
	require.NoError(t, respond(domain.ApprovalRejected))
	assert.ErrorIs(t, respond(domain.ApprovalApproved), repo.ErrStale)

	a, err := r.GetApproval(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRejected, a.Status)
	assert.Equal(t, 2, a.RevisionRound)

	_, err = r.GetApproval(ctx, "nope")
	assert.True(t, errors.Is(err, repo.ErrNotFound) || errors.Is(err, sql.ErrNoRows))
}
