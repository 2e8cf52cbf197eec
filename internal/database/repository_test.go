package database

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	db, err := NewDB(DefaultConfig(filepath.Join(t.TempDir(), "sanad_test.db")))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.RunMigrations(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewRepository(db)
}

func openParams(decisionID string, now time.Time) OpenPositionParams {
	return OpenPositionParams{
		DecisionID:    decisionID,
		Ordinal:       0,
		TokenAddress:  "0xabc123",
		Chain:         "solana",
		StrategyID:    "momentum_default",
		RegimeTag:     "trending",
		SourcePrimary: "whalewatch",
		Category:      "meme",
		EntryPrice:    2.00,
		SizeUSD:       200.00,
		Venue:         "DEX",
		FeeBps:        10,
		SlippageBps:   12,
		Now:           now,
	}
}

func TestTryOpenPositionAtomic(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("creates position, entry fill, and analysis task together", func(t *testing.T) {
		repo := newTestRepo(t)
		if err := repo.InitPortfolio(ctx, 1000, ModePaper, now); err != nil {
			t.Fatalf("init portfolio: %v", err)
		}

		pos, existed, err := repo.TryOpenPositionAtomic(ctx, openParams("dec_aaa", now))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if existed {
			t.Error("first open should not report an existing position")
		}
		if pos.PositionID != "dec_aaa:0" {
			t.Errorf("expected position id dec_aaa:0, got %s", pos.PositionID)
		}
		if pos.Status != PositionStatusOpen {
			t.Errorf("expected OPEN, got %s", pos.Status)
		}
		if pos.Qty != 100 {
			t.Errorf("expected qty 100 at $2.00 for $200, got %v", pos.Qty)
		}

		tasks, err := repo.PollPendingTasks(ctx, now, 10)
		if err != nil {
			t.Fatalf("poll tasks: %v", err)
		}
		if len(tasks) != 1 {
			t.Fatalf("expected exactly one analysis task, got %d", len(tasks))
		}
		if tasks[0].EntityID != pos.PositionID || tasks[0].TaskType != TaskTypeAnalyzeExecuted {
			t.Errorf("task bound to %s/%s, want %s/%s",
				tasks[0].EntityID, tasks[0].TaskType, pos.PositionID, TaskTypeAnalyzeExecuted)
		}

		portfolio, err := repo.GetPortfolio(ctx)
		if err != nil {
			t.Fatalf("get portfolio: %v", err)
		}
		if portfolio.BalanceUSD != 800 {
			t.Errorf("expected balance 800 after $200 entry, got %v", portfolio.BalanceUSD)
		}
		if portfolio.OpenPositions != 1 {
			t.Errorf("expected 1 open position, got %d", portfolio.OpenPositions)
		}
	})

	t.Run("replay of the same decision is a no-op", func(t *testing.T) {
		repo := newTestRepo(t)
		if err := repo.InitPortfolio(ctx, 1000, ModePaper, now); err != nil {
			t.Fatalf("init portfolio: %v", err)
		}

		first, _, err := repo.TryOpenPositionAtomic(ctx, openParams("dec_bbb", now))
		if err != nil {
			t.Fatalf("first open: %v", err)
		}
		second, existed, err := repo.TryOpenPositionAtomic(ctx, openParams("dec_bbb", now.Add(time.Minute)))
		if err != nil {
			t.Fatalf("replay open: %v", err)
		}
		if !existed {
			t.Error("replay should report the position already existed")
		}
		if second.PositionID != first.PositionID {
			t.Errorf("replay returned %s, want %s", second.PositionID, first.PositionID)
		}

		portfolio, _ := repo.GetPortfolio(ctx)
		if portfolio.BalanceUSD != 800 {
			t.Errorf("replay must not debit again: balance %v, want 800", portfolio.BalanceUSD)
		}

		tasks, _ := repo.PollPendingTasks(ctx, now.Add(time.Minute), 10)
		if len(tasks) != 1 {
			t.Errorf("replay must not enqueue a second task, got %d", len(tasks))
		}
	})

	t.Run("rejects non-positive entry price", func(t *testing.T) {
		repo := newTestRepo(t)
		p := openParams("dec_ccc", now)
		p.EntryPrice = 0
		if _, _, err := repo.TryOpenPositionAtomic(ctx, p); !errors.Is(err, ErrInvalidPrice) {
			t.Errorf("expected ErrInvalidPrice, got %v", err)
		}
	})
}

func TestClosePosition(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	setup := func(t *testing.T) (*Repository, *Position) {
		repo := newTestRepo(t)
		if err := repo.InitPortfolio(ctx, 1000, ModePaper, now); err != nil {
			t.Fatalf("init portfolio: %v", err)
		}
		pos, _, err := repo.TryOpenPositionAtomic(ctx, openParams("dec_close", now))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return repo, pos
	}

	t.Run("computes fees and pnl from both fills", func(t *testing.T) {
		repo, pos := setup(t)

		closed, err := repo.ClosePosition(ctx, ClosePositionParams{
			PositionID: pos.PositionID,
			ExitPrice:  2.20,
			Venue:      "DEX",
			FeeBps:     10,
			Now:        now.Add(2 * time.Hour),
		})
		if err != nil {
			t.Fatalf("close: %v", err)
		}

		// Entry $200 at 10bps = $0.20 fee; exit notional $220 at 10bps = $0.22.
		if got := *closed.GrossPnLUSD; math.Abs(got-20.00) > 1e-9 {
			t.Errorf("gross pnl = %v, want 20.00", got)
		}
		if got := *closed.FeesUSD; math.Abs(got-0.42) > 1e-9 {
			t.Errorf("fees = %v, want 0.42", got)
		}
		if got := *closed.NetPnLUSD; math.Abs(got-19.58) > 1e-9 {
			t.Errorf("net pnl = %v, want 19.58", got)
		}
		if got := *closed.PnLPct; math.Abs(got-9.79) > 1e-9 {
			t.Errorf("pnl pct = %v, want 9.79", got)
		}
		if got := *closed.RewardReal; math.Abs(got-0.0979) > 1e-9 {
			t.Errorf("reward = %v, want 0.0979", got)
		}
		if closed.LearningStatus != LearningStatusPending {
			t.Errorf("closed position must be PENDING for learning, got %s", closed.LearningStatus)
		}
	})

	t.Run("second close is rejected", func(t *testing.T) {
		repo, pos := setup(t)

		params := ClosePositionParams{
			PositionID: pos.PositionID,
			ExitPrice:  2.20,
			Venue:      "DEX",
			FeeBps:     10,
			Now:        now.Add(time.Hour),
		}
		if _, err := repo.ClosePosition(ctx, params); err != nil {
			t.Fatalf("first close: %v", err)
		}
		if _, err := repo.ClosePosition(ctx, params); !errors.Is(err, ErrAlreadyClosed) {
			t.Errorf("expected ErrAlreadyClosed, got %v", err)
		}
	})

	t.Run("reward is clamped for extreme losses", func(t *testing.T) {
		repo, pos := setup(t)

		closed, err := repo.ClosePosition(ctx, ClosePositionParams{
			PositionID: pos.PositionID,
			ExitPrice:  0.0001,
			Venue:      "DEX",
			FeeBps:     10,
			Now:        now.Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("close: %v", err)
		}
		if *closed.RewardReal < -1 || *closed.RewardReal > 1 {
			t.Errorf("reward %v outside [-1, 1]", *closed.RewardReal)
		}
	})

	t.Run("unknown position", func(t *testing.T) {
		repo := newTestRepo(t)
		_, err := repo.ClosePosition(ctx, ClosePositionParams{
			PositionID: "dec_missing:0",
			ExitPrice:  1.0,
			FeeBps:     10,
			Now:        now,
		})
		if !errors.Is(err, ErrPositionNotFound) {
			t.Errorf("expected ErrPositionNotFound, got %v", err)
		}
	})
}

func TestEnsureAndClosePosition(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	t.Run("synthesizes a missing position before closing", func(t *testing.T) {
		repo := newTestRepo(t)
		if err := repo.InitPortfolio(ctx, 1000, ModePaper, now); err != nil {
			t.Fatalf("init portfolio: %v", err)
		}

		fp := FilePosition{
			PositionID:    "dec_file:0",
			DecisionID:    "dec_file",
			TokenAddress:  "0xfeed",
			Chain:         "base",
			StrategyID:    "sniper_launch",
			SourcePrimary: "launchpad",
			Category:      "meme",
			EntryPrice:    1.00,
			SizeUSD:       100,
			OpenedAt:      now.Add(-3 * time.Hour),
		}
		closed, err := repo.EnsureAndClosePosition(ctx, fp, ClosePositionParams{
			PositionID: fp.PositionID,
			ExitPrice:  1.10,
			Venue:      "DEX",
			FeeBps:     10,
			Now:        now,
		})
		if err != nil {
			t.Fatalf("ensure and close: %v", err)
		}
		if closed.Status != PositionStatusClosed {
			t.Errorf("expected CLOSED, got %s", closed.Status)
		}
	})

	t.Run("flat bridged trade leaves the balance unchanged", func(t *testing.T) {
		repo := newTestRepo(t)
		if err := repo.InitPortfolio(ctx, 1000, ModePaper, now); err != nil {
			t.Fatalf("init portfolio: %v", err)
		}

		fp := FilePosition{
			PositionID:    "dec_flat:0",
			DecisionID:    "dec_flat",
			TokenAddress:  "0xflat",
			Chain:         "base",
			StrategyID:    "momentum_default",
			SourcePrimary: "whalewatch",
			Category:      "meme",
			EntryPrice:    1.00,
			SizeUSD:       100,
			OpenedAt:      now.Add(-time.Hour),
		}
		if _, err := repo.EnsureAndClosePosition(ctx, fp, ClosePositionParams{
			PositionID: fp.PositionID,
			ExitPrice:  1.00,
			Venue:      "DEX",
			Now:        now,
		}); err != nil {
			t.Fatalf("ensure and close: %v", err)
		}

		portfolio, err := repo.GetPortfolio(ctx)
		if err != nil {
			t.Fatalf("get portfolio: %v", err)
		}
		if portfolio.BalanceUSD != 1000 {
			t.Errorf("flat zero-fee round trip changed balance: %.2f", portfolio.BalanceUSD)
		}
		if portfolio.OpenPositions != 0 {
			t.Errorf("expected 0 open positions, got %d", portfolio.OpenPositions)
		}
	})

	t.Run("collision when the decision is bound to a different token", func(t *testing.T) {
		repo := newTestRepo(t)
		if err := repo.InitPortfolio(ctx, 1000, ModePaper, now); err != nil {
			t.Fatalf("init portfolio: %v", err)
		}
		if _, _, err := repo.TryOpenPositionAtomic(ctx, openParams("dec_coll", now)); err != nil {
			t.Fatalf("open: %v", err)
		}

		fp := FilePosition{
			PositionID:    "dec_coll:0",
			DecisionID:    "dec_coll",
			TokenAddress:  "0xDIFFERENT",
			Chain:         "solana",
			StrategyID:    "momentum_default",
			SourcePrimary: "whalewatch",
			Category:      "meme",
			EntryPrice:    2.00,
			SizeUSD:       200,
			OpenedAt:      now,
		}
		_, err := repo.EnsureAndClosePosition(ctx, fp, ClosePositionParams{
			PositionID: fp.PositionID,
			ExitPrice:  2.10,
			FeeBps:     10,
			Now:        now,
		})
		if !errors.Is(err, ErrDecisionCollision) {
			t.Errorf("expected ErrDecisionCollision, got %v", err)
		}
	})
}

func TestTaskRetryLadder(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	repo := newTestRepo(t)

	if err := repo.InitPortfolio(ctx, 1000, ModePaper, now); err != nil {
		t.Fatalf("init portfolio: %v", err)
	}
	if _, _, err := repo.TryOpenPositionAtomic(ctx, openParams("dec_retry", now)); err != nil {
		t.Fatalf("open: %v", err)
	}
	tasks, err := repo.PollPendingTasks(ctx, now, 1)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("expected one pending task, got %d (err %v)", len(tasks), err)
	}
	taskID := tasks[0].TaskID

	wantDelays := []time.Duration{300 * time.Second, 900 * time.Second, 3600 * time.Second}
	clock := now

	for attempt := 1; attempt <= MaxTaskAttempts; attempt++ {
		clock = clock.Add(2 * time.Hour)

		claimed, err := repo.ClaimTask(ctx, taskID, clock)
		if err != nil {
			t.Fatalf("claim attempt %d: %v", attempt, err)
		}
		if claimed == nil {
			t.Fatalf("attempt %d: claim lost unexpectedly", attempt)
		}
		if claimed.Attempts != attempt {
			t.Fatalf("attempt %d: counter = %d", attempt, claimed.Attempts)
		}

		if err := repo.MarkTaskFailed(ctx, taskID, "ERR_REVIEW_FAILED", claimed.Attempts, clock); err != nil {
			t.Fatalf("fail attempt %d: %v", attempt, err)
		}

		got, err := repo.GetTask(ctx, taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}

		if attempt < MaxTaskAttempts {
			if got.Status != TaskStatusPending {
				t.Errorf("attempt %d: status %s, want PENDING for retry", attempt, got.Status)
			}
			wantNext := clock.Add(wantDelays[attempt-1])
			if !got.NextRunAt.Equal(wantNext) {
				t.Errorf("attempt %d: next_run_at %v, want %v", attempt, got.NextRunAt, wantNext)
			}
		} else {
			if got.Status != TaskStatusFailed {
				t.Errorf("final attempt: status %s, want FAILED", got.Status)
			}
			if got.LastError != "ERR_REVIEW_FAILED" {
				t.Errorf("final attempt: last_error %q", got.LastError)
			}
		}
	}
}

func TestClaimTaskExclusive(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	repo := newTestRepo(t)

	if err := repo.InitPortfolio(ctx, 1000, ModePaper, now); err != nil {
		t.Fatalf("init portfolio: %v", err)
	}
	if _, _, err := repo.TryOpenPositionAtomic(ctx, openParams("dec_race", now)); err != nil {
		t.Fatalf("open: %v", err)
	}
	tasks, _ := repo.PollPendingTasks(ctx, now, 1)
	if len(tasks) != 1 {
		t.Fatalf("expected one pending task")
	}
	taskID := tasks[0].TaskID

	const workers = 8
	var wg sync.WaitGroup
	won := make(chan *AsyncTask, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := repo.ClaimTask(ctx, taskID, now)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if claimed != nil {
				won <- claimed
			}
		}()
	}
	wg.Wait()
	close(won)

	var winners int
	for range won {
		winners++
	}
	if winners != 1 {
		t.Errorf("expected exactly one successful claim, got %d", winners)
	}
}

func TestApplyLearningOutcome(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 5, 14, 0, 0, 0, time.UTC)
	repo := newTestRepo(t)

	if err := repo.InitPortfolio(ctx, 1000, ModePaper, now); err != nil {
		t.Fatalf("init portfolio: %v", err)
	}
	if _, _, err := repo.TryOpenPositionAtomic(ctx, openParams("dec_learn", now)); err != nil {
		t.Fatalf("open: %v", err)
	}
	closed, err := repo.ClosePosition(ctx, ClosePositionParams{
		PositionID: "dec_learn:0",
		ExitPrice:  2.20,
		Venue:      "DEX",
		FeeBps:     10,
		Now:        now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	t.Run("winning outcome updates both stat tables", func(t *testing.T) {
		if err := repo.ApplyLearningOutcome(ctx, closed, now.Add(2*time.Hour)); err != nil {
			t.Fatalf("apply: %v", err)
		}

		bandit, err := repo.GetBanditStats(ctx, "momentum_default", "trending")
		if err != nil {
			t.Fatalf("bandit stats: %v", err)
		}
		if bandit.Alpha != 2 || bandit.Beta != 1 || bandit.N != 1 {
			t.Errorf("bandit = alpha %v beta %v n %d, want 2/1/1 after one win", bandit.Alpha, bandit.Beta, bandit.N)
		}

		source, err := repo.GetSourceUcbStats(ctx, "whalewatch")
		if err != nil {
			t.Fatalf("source stats: %v", err)
		}
		if source.N != 1 || source.RewardSum != 1 {
			t.Errorf("source = n %d reward_sum %v, want 1/1", source.N, source.RewardSum)
		}
	})

	t.Run("second apply is rejected", func(t *testing.T) {
		err := repo.ApplyLearningOutcome(ctx, closed, now.Add(3*time.Hour))
		if !errors.Is(err, ErrLearningNotClaimed) {
			t.Errorf("expected ErrLearningNotClaimed, got %v", err)
		}

		bandit, _ := repo.GetBanditStats(ctx, "momentum_default", "trending")
		if bandit.N != 1 {
			t.Errorf("stats must not double count: n = %d", bandit.N)
		}
	})
}

func TestRecordDecisionIdempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 6, 11, 0, 0, 0, time.UTC)
	repo := newTestRepo(t)

	d := &Decision{
		DecisionID:    "dec_idem",
		SignalID:      "sig_idem",
		PolicyVersion: "v1",
		Result:        DecisionExecute,
		Stage:         "execute",
		ReasonCode:    "EXECUTED",
		EvidenceJSON:  "{}",
		TimingsJSON:   "{}",
		CreatedAt:     now,
	}
	if err := repo.RecordDecision(ctx, d); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := repo.RecordDecision(ctx, d); err != nil {
		t.Fatalf("replayed record must not error: %v", err)
	}

	got, err := repo.GetDecision(ctx, "dec_idem")
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if got.Result != DecisionExecute {
		t.Errorf("result = %s", got.Result)
	}
}
