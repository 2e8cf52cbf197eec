package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"sanad-trader/internal/ai/llm"
	"sanad-trader/internal/database"
)

// stubReviewer satisfies llm.Reviewer without network calls.
type stubReviewer struct {
	result *llm.ReviewResult
	err    error
	calls  int
}

func (s *stubReviewer) Review(_ context.Context, _ *database.Position) (*llm.ReviewResult, error) {
	s.calls++
	return s.result, s.err
}

func (s *stubReviewer) CostUSD() float64 { return 0.08 }

func approvedReview() *llm.ReviewResult {
	r := &llm.ReviewResult{}
	r.Judge.Verdict = llm.VerdictApprove
	r.Judge.Confidence = 0.8
	r.TradeConfidenceScore = 0.8
	return r
}

func newWorkerFixture(t *testing.T, reviewer llm.Reviewer) (*Worker, *database.Repository) {
	t.Helper()
	db, err := database.NewDB(database.DefaultConfig(filepath.Join(t.TempDir(), "worker_test.db")))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.RunMigrations(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repo := database.NewRepository(db)
	return NewWorker(repo, reviewer, DefaultConfig(), zerolog.Nop()), repo
}

func seedPositionWithTask(t *testing.T, repo *database.Repository, decisionID string, now time.Time) *database.Position {
	t.Helper()
	ctx := context.Background()
	if err := repo.InitPortfolio(ctx, 1000, database.ModePaper, now); err != nil {
		t.Fatalf("init portfolio: %v", err)
	}
	pos, _, err := repo.TryOpenPositionAtomic(ctx, database.OpenPositionParams{
		DecisionID:    decisionID,
		TokenAddress:  "0xabc",
		Chain:         "solana",
		StrategyID:    "momentum_default",
		RegimeTag:     "trending",
		SourcePrimary: "whalewatch",
		Category:      "meme",
		EntryPrice:    1.50,
		SizeUSD:       150,
		Venue:         "DEX",
		FeeBps:        10,
		Now:           now,
	})
	if err != nil {
		t.Fatalf("open position: %v", err)
	}
	return pos
}

func TestWorkerRunOnce(t *testing.T) {
	now := time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("completes a review and stores the analysis", func(t *testing.T) {
		reviewer := &stubReviewer{result: approvedReview()}
		worker, repo := newWorkerFixture(t, reviewer)
		pos := seedPositionWithTask(t, repo, "dec_work", now)

		processed, err := worker.RunOnce(ctx, now)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if processed != 1 || reviewer.calls != 1 {
			t.Errorf("processed %d tasks with %d review calls, want 1/1", processed, reviewer.calls)
		}

		got, err := repo.GetPosition(ctx, pos.PositionID)
		if err != nil {
			t.Fatalf("get position: %v", err)
		}
		if !got.AsyncAnalysisComplete || got.AsyncAnalysisJSON == nil {
			t.Fatal("analysis not attached to the position")
		}
		var stored llm.ReviewResult
		if err := json.Unmarshal([]byte(*got.AsyncAnalysisJSON), &stored); err != nil {
			t.Fatalf("stored analysis is not valid JSON: %v", err)
		}
		if stored.Judge.Verdict != llm.VerdictApprove {
			t.Errorf("stored verdict %s", stored.Judge.Verdict)
		}

		counts, _ := repo.CountTasksByStatus(ctx)
		if counts[database.TaskStatusDone] != 1 {
			t.Errorf("task counts %v, want one DONE", counts)
		}

		day, _, err := repo.GetAPISpend(ctx, now)
		if err != nil {
			t.Fatalf("api spend: %v", err)
		}
		if day != 0.08 {
			t.Errorf("day spend = %v, want 0.08", day)
		}
	})

	t.Run("review failure schedules a retry", func(t *testing.T) {
		reviewer := &stubReviewer{err: errors.New("model unavailable")}
		worker, repo := newWorkerFixture(t, reviewer)
		seedPositionWithTask(t, repo, "dec_fail", now)

		if _, err := worker.RunOnce(ctx, now); err != nil {
			t.Fatalf("run: %v", err)
		}

		tasks, _ := repo.PollPendingTasks(ctx, now.Add(301*time.Second), 10)
		if len(tasks) != 1 {
			t.Fatalf("expected the task back in PENDING after backoff, got %d", len(tasks))
		}
		if tasks[0].Attempts != 1 {
			t.Errorf("attempts = %d, want 1", tasks[0].Attempts)
		}

		// Before the backoff elapses the task is not pollable.
		early, _ := repo.PollPendingTasks(ctx, now.Add(10*time.Second), 10)
		if len(early) != 0 {
			t.Errorf("task pollable before its backoff: %d", len(early))
		}
	})

	t.Run("empty queue is a no-op", func(t *testing.T) {
		reviewer := &stubReviewer{result: approvedReview()}
		worker, _ := newWorkerFixture(t, reviewer)

		processed, err := worker.RunOnce(ctx, now)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if processed != 0 || reviewer.calls != 0 {
			t.Errorf("processed %d with %d calls on an empty queue", processed, reviewer.calls)
		}
	})
}
