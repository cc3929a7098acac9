package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/stevedore/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunTagsEmpty(t *testing.T) {
	s := newTestStore(t)

	tags, err := s.RunTags(context.Background(), "nope")
	if err != nil {
		t.Fatalf("RunTags: %v", err)
	}
	if len(tags) != 0 {
		t.Errorf("RunTags = %v, want empty", tags)
	}
}

func TestAddRunTagsMerges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddRunTags(ctx, "r1", map[string]string{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("AddRunTags: %v", err)
	}
	if err := s.AddRunTags(ctx, "r1", map[string]string{"b": "3", "c": "4"}); err != nil {
		t.Fatalf("AddRunTags: %v", err)
	}
	if err := s.AddRunTags(ctx, "r2", map[string]string{"a": "other"}); err != nil {
		t.Fatalf("AddRunTags: %v", err)
	}

	tags, err := s.RunTags(ctx, "r1")
	if err != nil {
		t.Fatalf("RunTags: %v", err)
	}
	want := map[string]string{"a": "1", "b": "3", "c": "4"}
	if len(tags) != len(want) {
		t.Fatalf("RunTags = %v, want %v", tags, want)
	}
	for k, v := range want {
		if tags[k] != v {
			t.Errorf("tags[%q] = %q, want %q", k, tags[k], v)
		}
	}
}

func TestReportAndListEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := model.WorkUnit{RunID: "r1", StepKey: "s1"}

	first := model.NewEvent(model.EventResourceLaunched, u, "launched",
		model.MetadataEntry{Label: "resource_id", Value: "job-r1-s1"})
	second := model.NewEvent(model.EventStepFailure, u, "exit 1")
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	other := model.NewEvent(model.EventEngine, model.WorkUnit{RunID: "r2"}, "other run")

	for _, ev := range []model.Event{second, first, other} {
		if err := s.ReportEvent(ctx, ev); err != nil {
			t.Fatalf("ReportEvent: %v", err)
		}
	}

	events, err := s.Events(ctx, "r1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].ID != first.ID {
		t.Errorf("events[0].ID = %q, want %q", events[0].ID, first.ID)
	}
	if events[0].Type != model.EventResourceLaunched {
		t.Errorf("events[0].Type = %q, want %q", events[0].Type, model.EventResourceLaunched)
	}
	if events[0].StepKey != "s1" {
		t.Errorf("events[0].StepKey = %q, want %q", events[0].StepKey, "s1")
	}
	if len(events[0].Metadata) != 1 || events[0].Metadata[0].Value != "job-r1-s1" {
		t.Errorf("events[0].Metadata = %+v", events[0].Metadata)
	}
	if events[1].Type != model.EventStepFailure || events[1].Metadata != nil {
		t.Errorf("events[1] = %+v", events[1])
	}
}

func TestEventsEmptyRun(t *testing.T) {
	s := newTestStore(t)

	events, err := s.Events(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("len(events) = %d, want 0", len(events))
	}
}

func TestTagsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stevedore.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := s.AddRunTags(ctx, "r1", map[string]string{"stevedore/resource_id": "arn:1"}); err != nil {
		t.Fatalf("AddRunTags: %v", err)
	}
	s.Close()

	// Migrations must be a no-op the second time.
	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	tags, err := s.RunTags(ctx, "r1")
	if err != nil {
		t.Fatalf("RunTags: %v", err)
	}
	if tags["stevedore/resource_id"] != "arn:1" {
		t.Errorf("resource_id = %q, want %q", tags["stevedore/resource_id"], "arn:1")
	}
}
