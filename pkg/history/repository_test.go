package history

import (
	"path/filepath"
	"testing"
)

func openRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_CreateAndFinish(t *testing.T) {
	repo := openRepo(t)

	a := &Attempt{
		Fingerprint: "fp-1",
		Version:     "12.1.0",
		PayloadType: "full",
		SourceSlot:  0,
		TargetSlot:  1,
		Status:      StatusRunning,
	}
	if err := repo.Create(a); err != nil {
		t.Fatalf("failed to create attempt: %v", err)
	}
	if a.ID == 0 {
		t.Fatal("attempt ID not assigned")
	}

	if err := repo.Finish(a.ID, StatusSucceeded, 0, 1<<20); err != nil {
		t.Fatalf("failed to finish attempt: %v", err)
	}

	attempts, err := repo.List()
	if err != nil {
		t.Fatalf("failed to list attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(attempts))
	}
	got := attempts[0]
	if got.Status != StatusSucceeded || got.BytesTotal != 1<<20 {
		t.Errorf("finished attempt = %+v", got)
	}
}

func TestRepository_FinishMissing(t *testing.T) {
	repo := openRepo(t)
	if err := repo.Finish(42, StatusFailed, 9, 0); err == nil {
		t.Error("expected error finishing unknown attempt")
	}
}

func TestRepository_CountAttempts(t *testing.T) {
	repo := openRepo(t)

	repo.Create(&Attempt{Fingerprint: "fp-1", Status: StatusFailed})
	repo.Create(&Attempt{Fingerprint: "fp-1", Status: StatusRunning})
	repo.Create(&Attempt{Fingerprint: "fp-2", Status: StatusRunning})

	n, err := repo.CountAttempts("fp-1")
	if err != nil {
		t.Fatalf("CountAttempts failed: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}
