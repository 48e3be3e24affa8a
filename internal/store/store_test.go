package store

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/me/gpusched/internal/logging"
	"github.com/me/gpusched/pkg/model"
)

func testSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(":memory:", logging.Discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	st, err := NewRedisStore(mr.Addr(), logging.Discard())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, mr
}

func sampleSnapshot() model.Snapshot {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	done := now.Add(time.Minute)
	gpu := 1
	return model.Snapshot{
		NextSeq: 4,
		SavedAt: now.Add(2 * time.Minute),
		Tasks: []model.Task{
			{
				ID: "task_a", Seq: 1, Priority: 1, TaskType: model.TaskTypeCodeGeneration,
				Prompt: "write a parser", Status: model.TaskStatusCompleted,
				AssignedGPU: &gpu, AssignedProvider: "ollama", AssignedModel: "slate-coder",
				ProducingProvider: "claude_code", Result: "func parse() {}",
				Attempts: []model.Attempt{
					{Provider: "ollama", Model: "slate-coder", StartedAt: now, Error: "connection refused"},
					{Provider: "claude_code", Model: "sonnet", StartedAt: now, Success: true, DurationMS: 900},
				},
				Verify: true,
				Verification: &model.VerificationResult{
					TaskID: "task_a", Verdict: model.VerdictPass, Confidence: model.ConfidenceHigh,
					VerifierProvider: "gemini", ProducingProvider: "claude_code", CreatedAt: done,
				},
				CreatedAt: now, CompletedAt: &done,
			},
			{
				ID: "task_b", Seq: 2, Priority: 3, TaskType: model.TaskTypeCodeReview,
				Prompt: "review it", Status: model.TaskStatusPending,
				Dependencies: []string{"task_a", "task_c"},
				Payload:      map[string]any{"max_tokens": float64(512)},
				CreatedAt:    now,
			},
			{
				ID: "task_c", Seq: 3, Priority: 2, TaskType: model.TaskTypeAnalysis,
				Prompt: "explain", Status: model.TaskStatusQueued, CreatedAt: now,
			},
		},
	}
}

func assertRoundTrip(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	empty, err := st.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot on empty store: %v", err)
	}
	if len(empty.Tasks) != 0 || empty.NextSeq != 0 {
		t.Fatalf("empty snapshot = %+v", empty)
	}

	want := sampleSnapshot()
	if err := st.SaveSnapshot(ctx, want); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	got, err := st.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if got.NextSeq != want.NextSeq {
		t.Errorf("NextSeq = %d, want %d", got.NextSeq, want.NextSeq)
	}
	if !got.SavedAt.Equal(want.SavedAt) {
		t.Errorf("SavedAt = %v, want %v", got.SavedAt, want.SavedAt)
	}
	if len(got.Tasks) != len(want.Tasks) {
		t.Fatalf("tasks = %d, want %d", len(got.Tasks), len(want.Tasks))
	}
	for i := range want.Tasks {
		w, g := want.Tasks[i], got.Tasks[i]
		if g.ID != w.ID || g.Priority != w.Priority || g.Status != w.Status || g.Seq != w.Seq {
			t.Errorf("task %d = %s/%d/%s, want %s/%d/%s", i, g.ID, g.Priority, g.Status, w.ID, w.Priority, w.Status)
		}
		if !reflect.DeepEqual(g.Dependencies, w.Dependencies) {
			t.Errorf("task %s dependencies = %v, want %v", w.ID, g.Dependencies, w.Dependencies)
		}
	}
	a := got.Tasks[0]
	if a.ProducingProvider != "claude_code" || a.AssignedProvider != "ollama" || *a.AssignedGPU != 1 {
		t.Errorf("task_a assignment = %s/%s/%v", a.AssignedProvider, a.ProducingProvider, a.AssignedGPU)
	}
	if len(a.Attempts) != 2 || a.Verification == nil || a.Verification.VerifierProvider != "gemini" {
		t.Errorf("task_a history not preserved: %+v", a)
	}
	if got.Tasks[1].Payload["max_tokens"] != float64(512) {
		t.Errorf("payload = %v", got.Tasks[1].Payload)
	}

	// A later save replaces the earlier one entirely.
	smaller := model.Snapshot{NextSeq: 9, Tasks: want.Tasks[2:]}
	if err := st.SaveSnapshot(ctx, smaller); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	got, err = st.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(got.Tasks) != 1 || got.Tasks[0].ID != "task_c" || got.NextSeq != 9 {
		t.Errorf("after replace: %+v", got)
	}
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	assertRoundTrip(t, testSQLiteStore(t))
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	assertRoundTrip(t, NewMemoryStore())
}

func TestRedisStore_RoundTrip(t *testing.T) {
	st, _ := testRedisStore(t)
	assertRoundTrip(t, st)
}

func TestRedisStore_PersistsAcrossClients(t *testing.T) {
	st, mr := testRedisStore(t)
	if err := st.SaveSnapshot(context.Background(), sampleSnapshot()); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	st2, err := NewRedisStore("redis://"+mr.Addr()+"/0", logging.Discard())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer st2.Close()
	got, err := st2.LoadSnapshot(context.Background())
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(got.Tasks) != 3 || got.Tasks[0].ID != "task_a" {
		t.Errorf("tasks = %+v", got.Tasks)
	}
}

func TestSQLiteStore_FileAndMigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sched.db")
	st, err := NewSQLiteStore(path, logging.Discard())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := st.Migrate(ctx); err != nil {
			t.Fatalf("migrate %d: %v", i, err)
		}
	}
	if err := st.SaveSnapshot(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	var opened Store = st
	c, ok := opened.(Counter)
	if !ok {
		t.Fatal("SQLite store does not implement Counter")
	}
	counts, err := c.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[model.TaskStatusCompleted] != 1 || counts[model.TaskStatusPending] != 1 || counts[model.TaskStatusQueued] != 1 {
		t.Errorf("counts = %v", counts)
	}
	st.Close()

	reopened, err := NewSQLiteStore(path, logging.Discard())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if err := reopened.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	got, err := reopened.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(got.Tasks) != 3 {
		t.Errorf("tasks after reopen = %d, want 3", len(got.Tasks))
	}
}

func TestOpen(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{"", "*store.MemoryStore", false},
		{"memory", "*store.MemoryStore", false},
		{":memory:", "*store.SQLiteStore", false},
		{"sqlite://" + filepath.Join(t.TempDir(), "x.db"), "*store.SQLiteStore", false},
		{"redis://" + mr.Addr(), "*store.RedisStore", false},
		{"postgres://localhost/db", "", true},
	}
	for _, tt := range tests {
		st, err := Open(tt.url, logging.Discard())
		if tt.wantErr {
			if err == nil {
				t.Errorf("Open(%q) expected error", tt.url)
			}
			continue
		}
		if err != nil {
			t.Errorf("Open(%q): %v", tt.url, err)
			continue
		}
		if got := reflect.TypeOf(st).String(); got != tt.want {
			t.Errorf("Open(%q) = %s, want %s", tt.url, got, tt.want)
		}
		st.Close()
	}
}

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		url    string
		addrs  int
		master string
		db     int
		tls    bool
	}{
		{"localhost:6379", 1, "", 0, false},
		{"redis://:pass@localhost:6379/2", 1, "", 2, false},
		{"rediss://host1:6379,host2:6379?db=3", 2, "", 3, true},
		{"redis-sentinel://s1:26379,s2:26379/mymaster?db=1", 2, "mymaster", 1, false},
	}
	for _, tt := range tests {
		opts, err := parseRedisURL(tt.url)
		if err != nil {
			t.Fatalf("parseRedisURL(%q): %v", tt.url, err)
		}
		if len(opts.Addrs) != tt.addrs || opts.MasterName != tt.master || opts.DB != tt.db || (opts.TLSConfig != nil) != tt.tls {
			t.Errorf("parseRedisURL(%q) = %+v", tt.url, opts)
		}
	}
	if _, err := parseRedisURL("http://x"); err == nil {
		t.Error("expected error for http scheme")
	}
	if _, err := parseRedisURL("redis://x/notanumber"); err == nil {
		t.Error("expected error for bad db")
	}
}
