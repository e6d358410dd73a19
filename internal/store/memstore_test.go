package store

import (
	"context"
	"testing"

	"github.com/vmmaster/vmmaster/internal/domain"
)

func TestMemStore_SessionLifecycle(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	sess := &domain.Session{User: "alice", Platform: "linux-chrome", Status: domain.StatusWaiting}
	if err := m.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID == 0 {
		t.Fatal("expected assigned id")
	}

	sess.Status = domain.StatusRunning
	sess.SeleniumSession = "upstream-123"
	if err := m.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	got, err := m.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != domain.StatusRunning || got.SeleniumSession != "upstream-123" {
		t.Fatalf("unexpected session state: %+v", got)
	}

	step := &domain.LogStep{SessionID: sess.ID, ControlLine: "POST /session HTTP/1.1"}
	if err := m.AddLogStep(ctx, step); err != nil {
		t.Fatalf("AddLogStep: %v", err)
	}
	if err := m.SetLogStepScreenshot(ctx, step.ID, "/shots/a.png"); err != nil {
		t.Fatalf("SetLogStepScreenshot: %v", err)
	}

	steps, err := m.ListLogSteps(ctx, sess.ID)
	if err != nil || len(steps) != 1 || steps[0].Screenshot != "/shots/a.png" {
		t.Fatalf("ListLogSteps = %+v, err %v", steps, err)
	}
}

func TestMemStore_PruneOldestClosedSessions(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s := &domain.Session{User: "bob", Closed: true, Status: domain.StatusSucceeded}
		if err := m.CreateSession(ctx, s); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}

	pruned, err := m.PruneOldestClosedSessions(ctx, "bob", 2)
	if err != nil {
		t.Fatalf("PruneOldestClosedSessions: %v", err)
	}
	if pruned != 3 {
		t.Fatalf("expected 3 pruned, got %d", pruned)
	}
	remaining, _ := m.CountStoredSessions(ctx, "bob")
	if remaining != 2 {
		t.Fatalf("expected 2 remaining, got %d", remaining)
	}
}

func TestMemStore_UserToken(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	u := &domain.User{Username: "carol", Token: "tok-1", AllowedMachines: 2}
	if err := m.SaveUser(ctx, u); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}

	found, err := m.GetUserByToken(ctx, "tok-1")
	if err != nil || found.Username != "carol" {
		t.Fatalf("GetUserByToken = %+v, err %v", found, err)
	}

	if err := m.SetUserToken(ctx, u.ID, "tok-2"); err != nil {
		t.Fatalf("SetUserToken: %v", err)
	}
	if _, err := m.GetUserByToken(ctx, "tok-1"); err == nil {
		t.Fatal("expected old token to be invalid")
	}
}
