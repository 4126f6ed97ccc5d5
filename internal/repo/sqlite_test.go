package repo_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/pallicare-messaging/internal/model"
	"github.com/LeventeLantos/pallicare-messaging/internal/repo"
	"github.com/LeventeLantos/pallicare-messaging/internal/testutil"
)

func queued(patientID string, p model.Priority, createdAt time.Time) *model.QueuedMessage {
	return &model.QueuedMessage{
		ID:            uuid.NewString(),
		PatientID:     patientID,
		PhoneNumber:   "6281234567890",
		Body:          "halo",
		Priority:      p,
		PriorityScore: p.Score(),
		MessageType:   model.TypeGeneralReply,
		MaxRetries:    3,
		Status:        model.Pending,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}

func TestSQLiteMessages_ClaimPendingOrdersByPriorityThenAge(t *testing.T) {
	_, set := testutil.OpenSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	low := queued("p1", model.PriorityLow, base)
	urgent := queued("p1", model.PriorityUrgent, base.Add(2*time.Second))
	highOld := queued("p1", model.PriorityHigh, base.Add(time.Second))
	highNew := queued("p1", model.PriorityHigh, base.Add(3*time.Second))
	for _, m := range []*model.QueuedMessage{low, urgent, highOld, highNew} {
		require.NoError(t, set.Messages.Insert(ctx, m))
	}

	got, err := set.Messages.ClaimPending(ctx, 3, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, urgent.ID, got[0].ID)
	require.Equal(t, highOld.ID, got[1].ID)
	require.Equal(t, highNew.ID, got[2].ID)
	for _, m := range got {
		require.Equal(t, model.Processing, m.Status)
	}

	again, err := set.Messages.ClaimPending(ctx, 10, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, low.ID, again[0].ID)
}

func TestSQLiteMessages_ClaimPendingSkipsFutureRetries(t *testing.T) {
	_, set := testutil.OpenSQLite(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	m := queued("p1", model.PriorityMedium, now)
	next := now.Add(time.Minute)
	m.NextRetryAt = &next
	require.NoError(t, set.Messages.Insert(ctx, m))

	got, err := set.Messages.ClaimPending(ctx, 10, now)
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = set.Messages.ClaimPending(ctx, 10, next)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestSQLiteMessages_ClaimPendingConcurrentClaimsAreDisjoint(t *testing.T) {
	_, set := testutil.OpenSQLite(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 20; i++ {
		require.NoError(t, set.Messages.Insert(ctx, queued("p1", model.PriorityMedium, now.Add(time.Duration(i)*time.Millisecond))))
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := set.Messages.ClaimPending(ctx, 5, now.Add(time.Minute))
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			for _, m := range got {
				seen[m.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, 20)
	for id, n := range seen {
		require.Equalf(t, 1, n, "message %s claimed %d times", id, n)
	}
}

func TestSQLiteMessages_RetryLifecycle(t *testing.T) {
	_, set := testutil.OpenSQLite(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	m := queued("p1", model.PriorityHigh, now)
	require.NoError(t, set.Messages.Insert(ctx, m))
	_, err := set.Messages.ClaimPending(ctx, 1, now)
	require.NoError(t, err)

	require.NoError(t, set.Messages.ScheduleRetry(ctx, m.ID, "gateway 500", now.Add(30*time.Second), now))

	pending, err := set.Messages.ListByStatus(ctx, model.Pending, 10, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].RetryCount)
	require.NotNil(t, pending[0].LastError)
	require.Equal(t, "gateway 500", *pending[0].LastError)
	require.NotNil(t, pending[0].NextRetryAt)
	require.True(t, pending[0].NextRetryAt.Equal(now.Add(30*time.Second)))
	require.True(t, pending[0].UpdatedAt.Equal(now), "updated_at follows the caller clock, got %s", pending[0].UpdatedAt)

	_, err = set.Messages.ClaimPending(ctx, 1, now.Add(30*time.Second))
	require.NoError(t, err)
	require.NoError(t, set.Messages.MarkCompleted(ctx, m.ID, "remote-1", now.Add(31*time.Second)))

	n, err := set.Messages.UpdateDeliveryStatus(ctx, "remote-1", model.DeliveryDelivered)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	counts, err := set.Messages.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts[model.Completed])

	done, err := set.Messages.ListByStatus(ctx, model.Completed, 10, 0)
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.Nil(t, done[0].LastError)
	require.Equal(t, model.DeliveryDelivered, done[0].DeliveryStatus)
	require.Equal(t, "remote-1", *done[0].RemoteMessageID)
}

func TestSQLiteMessages_RequeueStaleAndCancel(t *testing.T) {
	_, set := testutil.OpenSQLite(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	stuck := queued("p1", model.PriorityMedium, now)
	require.NoError(t, set.Messages.Insert(ctx, stuck))
	_, err := set.Messages.ClaimPending(ctx, 1, now)
	require.NoError(t, err)

	n, err := set.Messages.RequeueStale(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	confirm := queued("p1", model.PriorityHigh, now)
	confirm.MessageType = model.TypeUnsubscribeConfirm
	require.NoError(t, set.Messages.Insert(ctx, confirm))

	n, err = set.Messages.CancelPendingForPatient(ctx, "p1", "patient unsubscribed", now)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	pending, err := set.Messages.ListByStatus(ctx, model.Pending, 10, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, confirm.ID, pending[0].ID)
}

func TestSQLitePatients_TransitionIsConditional(t *testing.T) {
	_, set := testutil.OpenSQLite(t)
	ctx := context.Background()
	p := testutil.SeedPatient(t, set, "6281111111111", model.VerificationPending)
	at := time.Now().UTC()

	ok, err := set.Patients.TransitionVerification(ctx, p.ID, model.VerificationPending, model.VerificationVerified, "ya", at)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = set.Patients.TransitionVerification(ctx, p.ID, model.VerificationPending, model.VerificationDeclined, "tidak", at)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := set.Patients.FindByPhone(ctx, "6281111111111")
	require.NoError(t, err)
	require.Equal(t, model.VerificationVerified, got.VerificationStatus)
	require.Equal(t, "ya", *got.LastResponse)
	require.True(t, got.IsActive)
}

func TestSQLitePatients_UnsubscribeDeactivatesReminders(t *testing.T) {
	_, set := testutil.OpenSQLite(t)
	ctx := context.Background()
	p := testutil.SeedPatient(t, set, "6282222222222", model.VerificationVerified)
	testutil.SeedReminder(t, set, p.ID, model.ConfirmationPending, nil)
	testutil.SeedReminder(t, set, p.ID, model.ConfirmationSent, nil)

	ok, err := set.Patients.Unsubscribe(ctx, p.ID, "BERHENTI", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = set.Patients.Unsubscribe(ctx, p.ID, "BERHENTI", time.Now())
	require.NoError(t, err)
	require.False(t, ok)

	got, err := set.Patients.Get(ctx, p.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive)
	require.Equal(t, model.VerificationDeclined, got.VerificationStatus)

	rems, err := set.Reminders.ListByPatient(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, rems, 2)
	for _, r := range rems {
		require.False(t, r.IsActive)
	}
}

func TestSQLitePatients_NotFound(t *testing.T) {
	_, set := testutil.OpenSQLite(t)

	_, err := set.Patients.FindByPhone(context.Background(), "620000")
	require.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestSQLitePatients_ExpirePending(t *testing.T) {
	_, set := testutil.OpenSQLite(t)
	ctx := context.Background()
	p := testutil.SeedPatient(t, set, "6283333333333", model.VerificationPending)

	n, err := set.Patients.ExpirePending(ctx, time.Now().Add(-2*time.Hour), time.Now())
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = set.Patients.ExpirePending(ctx, time.Now(), time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := set.Patients.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, model.VerificationExpired, got.VerificationStatus)
}

func TestSQLiteReminders_FindLatestOpenPrefersMostRecentSend(t *testing.T) {
	_, set := testutil.OpenSQLite(t)
	ctx := context.Background()
	p := testutil.SeedPatient(t, set, "6284444444444", model.VerificationVerified)

	older := time.Now().Add(-3 * time.Hour).UTC()
	newer := time.Now().Add(-time.Hour).UTC()
	testutil.SeedReminder(t, set, p.ID, model.ConfirmationSent, &older)
	want := testutil.SeedReminder(t, set, p.ID, model.ConfirmationSent, &newer)
	testutil.SeedReminder(t, set, p.ID, model.ConfirmationPending, nil)

	got, err := set.Reminders.FindLatestOpen(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, want.ID, got.ID)

	ok, err := set.Reminders.TransitionConfirmation(ctx, want.ID, model.ConfirmationConfirmed, "sudah", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = set.Reminders.TransitionConfirmation(ctx, want.ID, model.ConfirmationMissed, "belum", time.Now())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteReminders_NoOpenReminder(t *testing.T) {
	_, set := testutil.OpenSQLite(t)
	p := testutil.SeedPatient(t, set, "6285555555555", model.VerificationVerified)
	testutil.SeedReminder(t, set, p.ID, model.ConfirmationConfirmed, nil)

	_, err := set.Reminders.FindLatestOpen(context.Background(), p.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestSQLiteReminders_SendAndDeliveryFailure(t *testing.T) {
	_, set := testutil.OpenSQLite(t)
	ctx := context.Background()
	p := testutil.SeedPatient(t, set, "6286666666666", model.VerificationVerified)
	r := testutil.SeedReminder(t, set, p.ID, model.ConfirmationPending, nil)

	ok, err := set.Reminders.MarkSent(ctx, r.ID, "ext-1", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	n, err := set.Reminders.ApplyDelivery(ctx, "ext-1", model.DeliveryFailed)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := set.Reminders.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, model.ConfirmationFailed, got.ConfirmationStatus)
	require.Equal(t, model.DeliveryFailed, got.DeliveryStatus)
}

func TestSQLiteLocks_InsertDeleteAndExpiry(t *testing.T) {
	_, set := testutil.OpenSQLite(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	ok, err := set.Locks.TryInsert(ctx, "k", "a", now.Add(time.Second), now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = set.Locks.TryInsert(ctx, "k", "b", now.Add(time.Second), now)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = set.Locks.Delete(ctx, "k", "b")
	require.NoError(t, err)
	require.False(t, ok, "non-owner must not release")

	ok, err = set.Locks.DeleteExpired(ctx, "k", now)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = set.Locks.DeleteExpired(ctx, "k", now.Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	for i := 0; i < 3; i++ {
		_, err := set.Locks.TryInsert(ctx, fmt.Sprintf("r%d", i), "x", now, now)
		require.NoError(t, err)
	}
	n, err := set.Locks.DeleteAllExpired(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestSQLiteDedup_ClaimOnceUntilExpiry(t *testing.T) {
	_, set := testutil.OpenSQLite(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	ok, err := set.Dedup.Claim(ctx, "fp", now, now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = set.Dedup.Claim(ctx, "fp", now.Add(time.Minute), now.Add(2*time.Hour))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = set.Dedup.Claim(ctx, "fp", now.Add(time.Hour), now.Add(2*time.Hour))
	require.NoError(t, err)
	require.True(t, ok, "expired fingerprint may be claimed again")

	require.NoError(t, set.Dedup.Delete(ctx, "fp"))
	ok, err = set.Dedup.Claim(ctx, "fp", now.Add(time.Hour), now.Add(2*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	n, err := set.Dedup.PurgeExpired(ctx, now.Add(3*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
