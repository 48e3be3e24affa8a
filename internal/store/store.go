// Package store persists scheduler snapshots.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/me/gpusched/pkg/model"
)

// Store saves and restores the scheduler's task snapshot. Only the latest
// snapshot is kept.
type Store interface {
	Migrate(ctx context.Context) error
	SaveSnapshot(ctx context.Context, snap model.Snapshot) error
	// LoadSnapshot returns an empty snapshot when nothing was saved.
	LoadSnapshot(ctx context.Context) (model.Snapshot, error)
	Close() error
}

// Open selects a backend from a URL:
//
//	""                 in-memory
//	"memory"           in-memory
//	"redis://..."      Redis (also rediss://, redis-sentinel://)
//	"sqlite://path"    SQLite at path
//	anything else      SQLite at that path (":memory:" allowed)
func Open(url string, logger *slog.Logger) (Store, error) {
	switch {
	case url == "" || url == "memory":
		return NewMemoryStore(), nil
	case strings.HasPrefix(url, "redis"):
		return NewRedisStore(url, logger)
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLiteStore(strings.TrimPrefix(url, "sqlite://"), logger)
	case strings.Contains(url, "://"):
		return nil, fmt.Errorf("store: unsupported URL %q", url)
	default:
		return NewSQLiteStore(url, logger)
	}
}

// Counter is implemented by stores that can count persisted tasks without
// loading the snapshot.
type Counter interface {
	CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error)
}

// MemoryStore keeps the snapshot in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	snap model.Snapshot
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// SaveSnapshot stores a deep copy of snap.
func (m *MemoryStore) SaveSnapshot(_ context.Context, snap model.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = cloneSnapshot(snap)
	return nil
}

// LoadSnapshot returns a deep copy of the stored snapshot.
func (m *MemoryStore) LoadSnapshot(context.Context) (model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneSnapshot(m.snap), nil
}

func cloneSnapshot(s model.Snapshot) model.Snapshot {
	out := model.Snapshot{NextSeq: s.NextSeq, SavedAt: s.SavedAt}
	for i := range s.Tasks {
		out.Tasks = append(out.Tasks, s.Tasks[i].Clone())
	}
	return out
}

// sortTasks orders tasks by submission sequence.
func sortTasks(tasks []model.Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
}
