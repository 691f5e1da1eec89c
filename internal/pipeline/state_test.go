package pipeline

import (
	"errors"
	"sync"
	"testing"
)

func TestLatchSetsOnce(t *testing.T) {
	var l Latch
	if !l.Set() {
		t.Fatal("first Set should report the transition")
	}
	if l.Set() {
		t.Fatal("second Set should not report a transition")
	}
	l.Reset()
	if l.IsSet() {
		t.Fatal("Reset should lower the latch")
	}
}

func TestTryFinalizeFiresExactlyOnceAfterLastChunk(t *testing.T) {
	for _, n := range []int{1, 2, 5, 20} {
		s := NewLectureState()
		epoch, err := s.Begin("s", nil)
		if err != nil {
			t.Fatalf("Begin failed: %v", err)
		}

		fired := 0
		for i := 0; i < n; i++ {
			name := string(rune('a'+i%26)) + string(rune('0'+i/26))
			_, _ = s.Receive(epoch, name, name)
			if i == n-1 {
				_ = s.MarkLast(epoch)
			}
			if _, err := s.Commit(epoch, name, func() error { return nil }); err != nil {
				t.Fatalf("Commit failed: %v", err)
			}
			if s.TryFinalize(epoch) {
				if i != n-1 {
					t.Fatalf("n=%d: finalized after chunk %d, before the last", n, i)
				}
				fired++
			}
		}
		if s.TryFinalize(epoch) {
			fired++
		}
		if fired != 1 {
			t.Fatalf("n=%d: finalization fired %d times", n, fired)
		}
	}
}

func TestTryFinalizeConcurrentCallers(t *testing.T) {
	s := NewLectureState()
	epoch, _ := s.Begin("s", nil)
	_ = s.MarkLast(epoch)

	var wg sync.WaitGroup
	var mu sync.Mutex
	fired := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TryFinalize(epoch) {
				mu.Lock()
				fired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if fired != 1 {
		t.Fatalf("expected exactly one finalization, got %d", fired)
	}
}

func TestCommitSkipsCompletedChunk(t *testing.T) {
	s := NewLectureState()
	epoch, _ := s.Begin("s", nil)

	calls := 0
	commit := func() error { calls++; return nil }

	if ok, err := s.Commit(epoch, "a.webm", commit); !ok || err != nil {
		t.Fatalf("first commit: ok=%v err=%v", ok, err)
	}
	if ok, err := s.Commit(epoch, "a.webm", commit); ok || err != nil {
		t.Fatalf("duplicate commit: ok=%v err=%v", ok, err)
	}
	if calls != 1 {
		t.Fatalf("expected one append, got %d", calls)
	}
}

func TestFailedCommitLeavesChunkPending(t *testing.T) {
	s := NewLectureState()
	epoch, _ := s.Begin("s", nil)
	_, _ = s.Receive(epoch, "000001-a.webm", "a.webm")
	_ = s.MarkLast(epoch)

	if _, err := s.Commit(epoch, "000001-a.webm", func() error { return errors.New("disk full") }); err == nil {
		t.Fatal("expected commit error")
	}
	if s.TryFinalize(epoch) {
		t.Fatal("must not finalize with a pending chunk")
	}
}

func TestSameNameUploadsAreTrackedSeparately(t *testing.T) {
	s := NewLectureState()
	epoch, _ := s.Begin("s", nil)

	for _, id := range []string{"000001-blob", "000002-blob", "000003-blob"} {
		superseded, err := s.Receive(epoch, id, "blob")
		if err != nil || len(superseded) != 0 {
			t.Fatalf("Receive(%s) = %v, %v", id, superseded, err)
		}
	}
	if ok, _ := s.Commit(epoch, "000001-blob", func() error { return nil }); !ok {
		t.Fatal("first upload should commit")
	}
	if !s.Completed(epoch, "000001-blob") || s.Completed(epoch, "000002-blob") {
		t.Fatal("completion must be tracked per upload")
	}

	status := s.Status()
	if status.Received != 3 {
		t.Fatalf("expected 3 received, got %d", status.Received)
	}
	if len(status.Pending) != 2 || status.Pending[0] != "000002-blob" || status.Pending[1] != "000003-blob" {
		t.Fatalf("unexpected pending %v", status.Pending)
	}
}

func TestReuploadReplacesOnlyFailedChunk(t *testing.T) {
	s := NewLectureState()
	epoch, _ := s.Begin("s", nil)

	_, _ = s.Receive(epoch, "000001-b.webm", "b.webm")
	_, _ = s.Receive(epoch, "000002-c.webm", "c.webm")
	_ = s.MarkLast(epoch)
	s.Fail(epoch, "000001-b.webm")

	if s.TryFinalize(epoch) {
		t.Fatal("a failed chunk must keep finalization waiting")
	}

	superseded, err := s.Receive(epoch, "000003-b.webm", "b.webm")
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if len(superseded) != 1 || superseded[0] != "000001-b.webm" {
		t.Fatalf("expected the failed upload to be replaced, got %v", superseded)
	}
	if superseded, _ := s.Receive(epoch, "000004-c.webm", "c.webm"); len(superseded) != 0 {
		t.Fatalf("in-flight chunks must not be replaced, got %v", superseded)
	}

	for _, id := range []string{"000002-c.webm", "000003-b.webm", "000004-c.webm"} {
		if _, err := s.Commit(epoch, id, func() error { return nil }); err != nil {
			t.Fatalf("Commit(%s) failed: %v", id, err)
		}
	}
	if !s.TryFinalize(epoch) {
		t.Fatal("expected finalization once the replacement committed")
	}
}

func TestReleaseSummaryAllowsAnotherFinalization(t *testing.T) {
	s := NewLectureState()
	epoch, _ := s.Begin("s", nil)
	_ = s.MarkLast(epoch)

	if !s.TryFinalize(epoch) || !s.ClaimSummary(epoch) {
		t.Fatal("expected first finalization and claim")
	}
	s.ReleaseSummary(epoch)

	status := s.Status()
	if status.Finalized || status.Summarized {
		t.Fatalf("release should lower both latches, got %+v", status)
	}
	if !status.LastChunk {
		t.Fatal("release must keep the last chunk mark")
	}
	if !s.TryFinalize(epoch) || !s.ClaimSummary(epoch) {
		t.Fatal("expected finalization and claim after release")
	}

	next, _ := s.Begin("t", nil)
	s.ReleaseSummary(epoch)
	if s.Status().Epoch != next {
		t.Fatal("releasing a stale epoch must not touch the new session")
	}
}

func TestBeginInvalidatesPreviousEpoch(t *testing.T) {
	s := NewLectureState()
	old, _ := s.Begin("first", nil)
	current, _ := s.Begin("second", nil)

	if current <= old {
		t.Fatalf("epoch must increase: %d then %d", old, current)
	}
	if _, err := s.Commit(old, "a.webm", func() error { return nil }); !errors.Is(err, ErrStaleEpoch) {
		t.Fatalf("expected ErrStaleEpoch, got %v", err)
	}
	if err := s.Guard(old, func() error { return nil }); !errors.Is(err, ErrStaleEpoch) {
		t.Fatalf("expected ErrStaleEpoch from Guard, got %v", err)
	}
	if s.ClaimSummary(old) {
		t.Fatal("stale epoch must not claim a summary")
	}
	if _, id := s.Current(); id != "second" {
		t.Fatalf("expected second session, got %s", id)
	}
}

func TestBeginFailureLeavesNoActiveSession(t *testing.T) {
	s := NewLectureState()
	epoch, err := s.Begin("s", func() error { return errors.New("cannot clear") })
	if err == nil {
		t.Fatal("expected reset error")
	}
	if s.IsCurrent(epoch) {
		t.Fatal("a session whose reset failed must not be active")
	}
}

func TestClaimSummaryOncePerEpoch(t *testing.T) {
	s := NewLectureState()
	epoch, _ := s.Begin("s", nil)

	if !s.ClaimSummary(epoch) {
		t.Fatal("first claim should succeed")
	}
	if s.ClaimSummary(epoch) {
		t.Fatal("second claim should fail")
	}

	next, _ := s.Begin("t", nil)
	if !s.ClaimSummary(next) {
		t.Fatal("new session should be claimable")
	}
}

func TestExchangeBeginSupersedes(t *testing.T) {
	s := NewExchangeState()
	first, _ := s.Begin("q1.webm", nil)
	second, _ := s.Begin("q2.webm", nil)

	if s.IsCurrent(first) {
		t.Fatal("first exchange should be superseded")
	}
	if !s.IsCurrent(second) {
		t.Fatal("second exchange should be current")
	}
	if err := s.Guard(first, func() error { return nil }); !errors.Is(err, ErrStaleEpoch) {
		t.Fatalf("expected ErrStaleEpoch, got %v", err)
	}
}
