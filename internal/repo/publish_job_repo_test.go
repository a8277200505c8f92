package repo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-publish-backend/internal/domain"
)

func newJobRepoDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:jobrepo_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	// Serialize writers: in-memory SQLite returns SQLITE_BUSY under
	// concurrent connections, which is not what these tests exercise.
	db.Exec("PRAGMA busy_timeout=5000;")
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&domain.PublishJob{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func mustCreateJob(t *testing.T, db *gorm.DB, tenant string, at time.Time) *domain.PublishJob {
	t.Helper()
	j, err := CreatePublishJob(context.Background(), db, tenant, "content-1", "acct-1", domain.PlatformX, at, 5, "")
	if err != nil {
		t.Fatalf("CreatePublishJob: %v", err)
	}
	return j
}

func TestCreatePublishJob_SetsDefaultsAndKey(t *testing.T) {
	db := newJobRepoDB(t)
	at := time.Now().Add(time.Hour)

	j := mustCreateJob(t, db, "t1", at)
	if j.ID == "" || j.IdempotencyKey == "" {
		t.Fatalf("expected generated id and idempotency key: %+v", j)
	}
	if j.Status != domain.StatusScheduled {
		t.Fatalf("expected scheduled status, got %s", j.Status)
	}
	if j.AttemptCount != 0 || j.MaxAttempts != 5 {
		t.Fatalf("unexpected attempt bookkeeping: %+v", j)
	}

	// round-trip
	got, err := GetPublishJob(context.Background(), db, j.ID, "t1")
	if err != nil {
		t.Fatalf("GetPublishJob: %v", err)
	}
	if got.IdempotencyKey != j.IdempotencyKey {
		t.Fatalf("idempotency key changed across read: %q vs %q", got.IdempotencyKey, j.IdempotencyKey)
	}
}

func TestCreatePublishJob_ClientKeyIsUniquePerAccount(t *testing.T) {
	db := newJobRepoDB(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	first, err := CreatePublishJob(ctx, db, "t1", "c1", "acct-1", domain.PlatformX, at, 5, "client-key-1")
	if err != nil {
		t.Fatalf("CreatePublishJob: %v", err)
	}
	if first.IdempotencyKey != "client-key-1" {
		t.Fatalf("client key not stored: %q", first.IdempotencyKey)
	}

	// Same key on the same account must hit the unique index.
	if _, err := CreatePublishJob(ctx, db, "t1", "c1", "acct-1", domain.PlatformX, at, 5, "client-key-1"); err == nil {
		t.Fatalf("expected unique violation for duplicate client key")
	}

	// Same key on a different account is a different operation.
	if _, err := CreatePublishJob(ctx, db, "t1", "c1", "acct-2", domain.PlatformX, at, 5, "client-key-1"); err != nil {
		t.Fatalf("same key on another account must be allowed: %v", err)
	}

	got, err := FindJobByIdempotencyKey(ctx, db, "acct-1", "client-key-1")
	if err != nil {
		t.Fatalf("FindJobByIdempotencyKey: %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("lookup returned wrong job: %s vs %s", got.ID, first.ID)
	}

	if _, err := FindJobByIdempotencyKey(ctx, db, "acct-1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown key, got %v", err)
	}
}

func TestGetPublishJob_WrongTenantIsNotFound(t *testing.T) {
	db := newJobRepoDB(t)
	j := mustCreateJob(t, db, "t1", time.Now())

	if _, err := GetPublishJob(context.Background(), db, j.ID, "t2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign tenant, got %v", err)
	}
}

func TestListDuePublishJobs_OrderAndEligibility(t *testing.T) {
	db := newJobRepoDB(t)
	ctx := context.Background()
	now := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)

	early := mustCreateJob(t, db, "t1", now.Add(-2*time.Hour))
	late := mustCreateJob(t, db, "t1", now.Add(-1*time.Hour))
	mustCreateJob(t, db, "t1", now.Add(1*time.Hour)) // future, not due

	due, err := ListDuePublishJobs(ctx, db, now, now.Add(-10*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListDuePublishJobs: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due jobs, got %d", len(due))
	}
	if due[0].ID != early.ID || due[1].ID != late.ID {
		t.Fatalf("expected scheduled_at ascending order: %v", []string{due[0].ID, due[1].ID})
	}
}

func TestListDuePublishJobs_IncludesStalePublishing(t *testing.T) {
	db := newJobRepoDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	j := mustCreateJob(t, db, "t1", now.Add(-time.Hour))
	if ok, err := ClaimPublishJob(ctx, db, j.ID, now.Add(-30*time.Minute)); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	// Fresh publishing row is invisible; stale one is eligible for reclaim.
	due, err := ListDuePublishJobs(ctx, db, now, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("list (fresh): %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("fresh publishing job must not be listed, got %d", len(due))
	}

	due, err = ListDuePublishJobs(ctx, db, now, now.Add(-10*time.Minute), 10)
	if err != nil {
		t.Fatalf("list (stale): %v", err)
	}
	if len(due) != 1 || due[0].ID != j.ID {
		t.Fatalf("expected stale publishing job to be listed: %+v", due)
	}
}

func TestClaimPublishJob_IncrementsAttemptAndWinsOnce(t *testing.T) {
	db := newJobRepoDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	j := mustCreateJob(t, db, "t1", now.Add(-time.Minute))

	ok, err := ClaimPublishJob(ctx, db, j.ID, now)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	// Second claim must observe the conditional write failing.
	ok, err = ClaimPublishJob(ctx, db, j.ID, now)
	if err != nil {
		t.Fatalf("second claim err: %v", err)
	}
	if ok {
		t.Fatalf("second claim must lose")
	}

	got, _ := GetPublishJob(ctx, db, j.ID, "t1")
	if got.Status != domain.StatusPublishing || got.AttemptCount != 1 {
		t.Fatalf("unexpected post-claim state: %+v", got)
	}
	if got.LastAttemptAt == nil {
		t.Fatalf("last_attempt_at not set on claim")
	}
}

func TestClaimPublishJob_ConcurrentClaimsSingleWinner(t *testing.T) {
	db := newJobRepoDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	j := mustCreateJob(t, db, "t1", now.Add(-time.Minute))

	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ClaimPublishJob(ctx, db, j.ID, now)
			if err == nil && ok {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	total := 0
	for range wins {
		total++
	}
	if total != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", total)
	}
}

func TestClaimPublishJob_RespectsAttemptCeiling(t *testing.T) {
	db := newJobRepoDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	j, err := CreatePublishJob(ctx, db, "t1", "c", "a", domain.PlatformX, now.Add(-time.Minute), 2, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 2; i++ {
		if ok, err := ClaimPublishJob(ctx, db, j.ID, now); err != nil || !ok {
			t.Fatalf("claim %d: ok=%v err=%v", i+1, ok, err)
		}
		if err := MarkRetrying(ctx, db, j.ID, now.Add(-time.Second), "timeout"); err != nil {
			t.Fatalf("mark retrying %d: %v", i+1, err)
		}
	}

	// attempt_count == max_attempts: no further claim is possible.
	ok, err := ClaimPublishJob(ctx, db, j.ID, now)
	if err != nil {
		t.Fatalf("final claim err: %v", err)
	}
	if ok {
		t.Fatalf("claim beyond max attempts must be rejected")
	}
}

func TestReclaimStalePublishJob(t *testing.T) {
	db := newJobRepoDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	j := mustCreateJob(t, db, "t1", now.Add(-time.Hour))
	if ok, _ := ClaimPublishJob(ctx, db, j.ID, now.Add(-20*time.Minute)); !ok {
		t.Fatalf("initial claim failed")
	}

	// Not yet stale.
	ok, err := ReclaimStalePublishJob(ctx, db, j.ID, now.Add(-30*time.Minute), now)
	if err != nil || ok {
		t.Fatalf("premature reclaim: ok=%v err=%v", ok, err)
	}

	// Stale: reclaim wins and burns one attempt.
	ok, err = ReclaimStalePublishJob(ctx, db, j.ID, now.Add(-10*time.Minute), now)
	if err != nil || !ok {
		t.Fatalf("reclaim: ok=%v err=%v", ok, err)
	}
	got, _ := GetPublishJob(ctx, db, j.ID, "t1")
	if got.AttemptCount != 2 || got.Status != domain.StatusPublishing {
		t.Fatalf("unexpected post-reclaim state: %+v", got)
	}
}

func TestFailExhaustedStaleJob(t *testing.T) {
	db := newJobRepoDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	j, err := CreatePublishJob(ctx, db, "t1", "c1", "acct-1", domain.PlatformX, now.Add(-time.Hour), 1, "")
	if err != nil {
		t.Fatalf("CreatePublishJob: %v", err)
	}
	if ok, _ := ClaimPublishJob(ctx, db, j.ID, now.Add(-20*time.Minute)); !ok {
		t.Fatalf("initial claim failed")
	}

	// The reclaim path is closed once attempts are spent.
	if ok, err := ReclaimStalePublishJob(ctx, db, j.ID, now.Add(-10*time.Minute), now); err != nil || ok {
		t.Fatalf("reclaim beyond max attempts must be rejected: ok=%v err=%v", ok, err)
	}

	// Not yet stale: the worker may still report a result.
	if ok, err := FailExhaustedStaleJob(ctx, db, j.ID, now.Add(-30*time.Minute)); err != nil || ok {
		t.Fatalf("premature fail: ok=%v err=%v", ok, err)
	}

	ok, err := FailExhaustedStaleJob(ctx, db, j.ID, now.Add(-10*time.Minute))
	if err != nil || !ok {
		t.Fatalf("fail exhausted: ok=%v err=%v", ok, err)
	}
	got, _ := GetPublishJob(ctx, db, j.ID, "t1")
	if got.Status != domain.StatusFailed || got.AttemptCount != 1 {
		t.Fatalf("unexpected terminal state: %+v", got)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage == "" {
		t.Fatalf("terminal failure must carry an error message")
	}

	// Second caller loses: the transition already happened.
	if ok, _ := FailExhaustedStaleJob(ctx, db, j.ID, now.Add(-10*time.Minute)); ok {
		t.Fatalf("transition must apply exactly once")
	}
}

func TestMarkPublished_RecordsResult(t *testing.T) {
	db := newJobRepoDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	j := mustCreateJob(t, db, "t1", now.Add(-time.Minute))
	if ok, _ := ClaimPublishJob(ctx, db, j.ID, now); !ok {
		t.Fatalf("claim failed")
	}
	if err := MarkPublished(ctx, db, j.ID, "post-9", "https://x.com/p/9", now); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}

	got, _ := GetPublishJob(ctx, db, j.ID, "t1")
	if got.Status != domain.StatusPublished {
		t.Fatalf("expected published, got %s", got.Status)
	}
	if got.PublishedAt == nil || got.PlatformPostID == nil || *got.PlatformPostID != "post-9" {
		t.Fatalf("publication fields not recorded: %+v", got)
	}

	// Terminal: publishing-only transitions no longer apply.
	if err := MarkFailed(ctx, db, j.ID, "late failure"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on transition from terminal state, got %v", err)
	}
}

func TestMarkPublished_RequiresPublishingState(t *testing.T) {
	db := newJobRepoDB(t)
	j := mustCreateJob(t, db, "t1", time.Now())

	err := MarkPublished(context.Background(), db, j.ID, "p", "u", time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected conditional transition to fail from scheduled, got %v", err)
	}
}

func TestMarkRetrying_RewritesScheduledAt(t *testing.T) {
	db := newJobRepoDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	j := mustCreateJob(t, db, "t1", now.Add(-time.Minute))
	if ok, _ := ClaimPublishJob(ctx, db, j.ID, now); !ok {
		t.Fatalf("claim failed")
	}
	next := now.Add(90 * time.Second)
	if err := MarkRetrying(ctx, db, j.ID, next, "upstream 503"); err != nil {
		t.Fatalf("MarkRetrying: %v", err)
	}

	got, _ := GetPublishJob(ctx, db, j.ID, "t1")
	if got.Status != domain.StatusRetrying {
		t.Fatalf("expected retrying, got %s", got.Status)
	}
	if !got.ScheduledAt.After(now) {
		t.Fatalf("scheduled_at not pushed into the future: %v", got.ScheduledAt)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "upstream 503" {
		t.Fatalf("error message not recorded: %+v", got.ErrorMessage)
	}
}

func TestCancelPublishJob_Rules(t *testing.T) {
	db := newJobRepoDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Cancellable while scheduled.
	j := mustCreateJob(t, db, "t1", now.Add(time.Hour))
	if err := CancelPublishJob(ctx, db, j.ID, "t1"); err != nil {
		t.Fatalf("cancel scheduled: %v", err)
	}
	got, _ := GetPublishJob(ctx, db, j.ID, "t1")
	if got.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	// Rejected while publishing.
	j2 := mustCreateJob(t, db, "t1", now.Add(-time.Minute))
	if ok, _ := ClaimPublishJob(ctx, db, j2.ID, now); !ok {
		t.Fatalf("claim failed")
	}
	if err := CancelPublishJob(ctx, db, j2.ID, "t1"); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable while publishing, got %v", err)
	}
	// The in-flight job is unaffected by the cancel attempt.
	got2, _ := GetPublishJob(ctx, db, j2.ID, "t1")
	if got2.Status != domain.StatusPublishing {
		t.Fatalf("cancel attempt mutated in-flight job: %s", got2.Status)
	}

	// Missing job.
	if err := CancelPublishJob(ctx, db, uuid.NewString(), "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListTenantJobsPage_NewestFirst(t *testing.T) {
	db := newJobRepoDB(t)
	ctx := context.Background()

	base := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		j := &domain.PublishJob{
			ID:                   uuid.NewString(),
			TenantID:             "t1",
			ContentPieceID:       "c",
			DestinationAccountID: fmt.Sprintf("a%d", i),
			Platform:             domain.PlatformX,
			Status:               domain.StatusScheduled,
			ScheduledAt:          base,
			MaxAttempts:          5,
			IdempotencyKey:       uuid.NewString(),
			CreatedAt:            base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.Create(j).Error; err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
		ids = append(ids, j.ID)
	}

	total, err := CountTenantJobs(ctx, db, "t1")
	if err != nil || total != 5 {
		t.Fatalf("CountTenantJobs: total=%d err=%v", total, err)
	}

	page, err := ListTenantJobsPage(ctx, db, "t1", 0, 2)
	if err != nil {
		t.Fatalf("ListTenantJobsPage: %v", err)
	}
	if len(page) != 2 || page[0].ID != ids[4] || page[1].ID != ids[3] {
		t.Fatalf("unexpected first page: %+v", page)
	}
}
