package approval

import (
	"testing"
	"time"

	"github.com/jholhewres/rocketclaw/pkg/rocketclaw/store"
)

func newTestApprovals(t *testing.T) *Approvals {
	t.Helper()
	return NewApprovals(store.New(t.TempDir(), nil), nil)
}

func TestApprovals_CreateIsDedupedPerTarget(t *testing.T) {
	t.Parallel()
	a := newTestApprovals(t)

	first, created, err := a.Create(CreateRequest{Type: ApprovalDM, TargetID: "u1", TargetUsername: "alice"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created {
		t.Fatal("first create should report created=true")
	}
	if first.Status != StatusPending {
		t.Errorf("expected pending, got %s", first.Status)
	}
	if first.LastNotifiedAt != first.CreatedAt {
		t.Error("fresh record should have LastNotifiedAt == CreatedAt")
	}

	second, created, err := a.Create(CreateRequest{Type: ApprovalDM, TargetID: "u1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created {
		t.Error("duplicate create must update the existing record, not create")
	}
	if second.ID != first.ID {
		t.Errorf("expected same record, got %s vs %s", second.ID, first.ID)
	}
	if !second.LastNotifiedAt.After(second.CreatedAt) && second.LastNotifiedAt == second.CreatedAt {
		// LastNotifiedAt must have moved off CreatedAt so no re-notification fires.
		t.Error("duplicate create should bump LastNotifiedAt")
	}

	// A room approval for the same id is an independent record.
	_, created, err = a.Create(CreateRequest{Type: ApprovalRoom, TargetID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("same target with different type should create a new record")
	}
}

func TestApprovals_DecideIsTerminal(t *testing.T) {
	t.Parallel()
	a := newTestApprovals(t)

	p, _, err := a.Create(CreateRequest{Type: ApprovalDM, TargetID: "u2", TargetUsername: "bob"})
	if err != nil {
		t.Fatal(err)
	}

	decided, err := a.Decide(p.ID, StatusApproved, "admin")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decided.Status != StatusApproved || decided.DecidedBy != "admin" || decided.DecidedAt == nil {
		t.Errorf("decision not recorded: %+v", decided)
	}

	if _, err := a.Decide(p.ID, StatusDenied, "admin"); err == nil {
		t.Error("deciding a terminal record should fail")
	}
}

func TestApprovals_ResolveByHandleAndID(t *testing.T) {
	t.Parallel()
	a := newTestApprovals(t)

	p, _, err := a.Create(CreateRequest{Type: ApprovalDM, TargetID: "uid42", TargetUsername: "Carol"})
	if err != nil {
		t.Fatal(err)
	}

	for _, token := range []string{p.ID, "@carol", "carol", "uid42"} {
		got, err := a.Resolve(token)
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || got.ID != p.ID {
			t.Errorf("Resolve(%q) = %v, want record %s", token, got, p.ID)
		}
	}

	got, err := a.Resolve("@nobody")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("Resolve of unknown handle should be nil, got %+v", got)
	}
}

func TestApprovals_SweepExpired(t *testing.T) {
	t.Parallel()
	a := newTestApprovals(t)

	base := time.Now()
	a.now = func() time.Time { return base }

	withTimeout, _, err := a.Create(CreateRequest{Type: ApprovalDM, TargetID: "t1", Timeout: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	forever, _, err := a.Create(CreateRequest{Type: ApprovalDM, TargetID: "t2"})
	if err != nil {
		t.Fatal(err)
	}

	a.now = func() time.Time { return base.Add(2 * time.Minute) }
	expired, err := a.SweepExpired()
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != withTimeout.ID {
		t.Fatalf("expected exactly %s expired, got %+v", withTimeout.ID, expired)
	}

	still, err := a.Find("t2", ApprovalDM)
	if err != nil {
		t.Fatal(err)
	}
	if still == nil || still.ID != forever.ID {
		t.Error("record without timeout must stay pending")
	}

	// Second sweep is a no-op.
	again, err := a.SweepExpired()
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("second sweep should expire nothing, got %+v", again)
	}
}

func TestApprovals_NotificationTracking(t *testing.T) {
	t.Parallel()
	a := newTestApprovals(t)

	p, _, err := a.Create(CreateRequest{Type: ApprovalDM, TargetID: "u9"})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.TrackNotification(p.ID, "admin-room", "msg-1"); err != nil {
		t.Fatalf("TrackNotification: %v", err)
	}

	got, err := a.FindByNotification("msg-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != p.ID {
		t.Errorf("FindByNotification = %v, want %s", got, p.ID)
	}

	none, err := a.FindByNotification("msg-unknown")
	if err != nil {
		t.Fatal(err)
	}
	if none != nil {
		t.Error("unknown message id should resolve to nil")
	}
}

func TestApprovals_SurvivesRestart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := NewApprovals(store.New(dir, nil), nil)

	p, _, err := a.Create(CreateRequest{Type: ApprovalDM, TargetID: "u7", TargetUsername: "dave"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Decide(p.ID, StatusApproved, "admin"); err != nil {
		t.Fatal(err)
	}

	// Fresh store over the same directory simulates a process restart.
	reborn := NewApprovals(store.New(dir, nil), nil)
	latest, err := reborn.Latest("u7", ApprovalDM)
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.Status != StatusApproved {
		t.Errorf("approval state lost across restart: %+v", latest)
	}
}
