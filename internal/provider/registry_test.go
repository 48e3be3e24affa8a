package provider_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/me/gpusched/internal/logging"
	"github.com/me/gpusched/internal/provider"
	"github.com/me/gpusched/internal/provider/providertest"
	"github.com/me/gpusched/pkg/model"
)

type panicProvider struct{ *providertest.Fake }

func (panicProvider) CheckStatus(context.Context) model.ProviderStatus { panic("boom") }

type slowProbe struct {
	*providertest.Fake
	mu    sync.Mutex
	count int
}

func (s *slowProbe) CheckStatus(ctx context.Context) model.ProviderStatus {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	return s.Fake.CheckStatus(ctx)
}

func newRegistry(t *testing.T, now *time.Time, fakes ...provider.Provider) *provider.Registry {
	t.Helper()
	opts := []provider.RegistryOption{provider.WithTTL(30 * time.Second)}
	if now != nil {
		opts = append(opts, provider.WithRegistryClock(func() time.Time { return *now }))
	}
	reg := provider.NewRegistry(logging.Discard(), opts...)
	for _, f := range fakes {
		if err := reg.Register(f); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return reg
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	reg := newRegistry(t, nil, providertest.New("ollama"))
	if err := reg.Register(providertest.New("ollama")); err == nil {
		t.Error("expected duplicate registration error")
	}
	if got := reg.Names(); len(got) != 1 || got[0] != "ollama" {
		t.Errorf("Names = %v", got)
	}
}

func TestRegistry_StatusCachedWithinTTL(t *testing.T) {
	now := time.Unix(1000, 0)
	f := providertest.New("ollama")
	reg := newRegistry(t, &now, f)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := reg.Status(ctx, "ollama"); err != nil {
			t.Fatalf("Status: %v", err)
		}
	}
	if f.Probes() != 1 {
		t.Errorf("probes within TTL = %d, want 1", f.Probes())
	}

	now = now.Add(31 * time.Second)
	if _, err := reg.Status(ctx, "ollama"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if f.Probes() != 2 {
		t.Errorf("probes after TTL = %d, want 2", f.Probes())
	}
}

func TestRegistry_UnknownProvider(t *testing.T) {
	reg := newRegistry(t, nil)
	_, err := reg.Status(context.Background(), "nope")
	if !errors.Is(err, model.ErrProviderUnavailable) {
		t.Errorf("err = %v, want ErrProviderUnavailable", err)
	}
}

func TestRegistry_KnownUnavailable(t *testing.T) {
	now := time.Unix(1000, 0)
	f := providertest.New("ollama")
	reg := newRegistry(t, &now, f)

	if reg.KnownUnavailable("ollama") {
		t.Error("unprobed provider should not be known unavailable")
	}
	f.SetAvailable(false)
	st, _ := reg.Status(context.Background(), "ollama")
	if st.Available {
		t.Error("status should be unavailable")
	}
	if st.Error == "" {
		t.Error("unavailable status must carry an error")
	}
	if !reg.KnownUnavailable("ollama") {
		t.Error("KnownUnavailable = false after failed probe")
	}
}

func TestRegistry_FailedProbeKeepsLastKnownGood(t *testing.T) {
	now := time.Unix(1000, 0)
	f := providertest.New("ollama")
	reg := newRegistry(t, &now, f)
	ctx := context.Background()

	good, _ := reg.Status(ctx, "ollama")
	f.SetAvailable(false)
	now = now.Add(time.Minute)
	bad, _ := reg.Status(ctx, "ollama")

	if bad.Available {
		t.Fatal("expected unavailable")
	}
	if len(bad.Models) != len(good.Models) || bad.Models[0] != good.Models[0] {
		t.Errorf("Models = %v, want last known %v", bad.Models, good.Models)
	}
	if !bad.CheckedAt.Equal(now) {
		t.Errorf("CheckedAt = %v, want %v", bad.CheckedAt, now)
	}
}

func TestRegistry_PanickingProbe(t *testing.T) {
	reg := newRegistry(t, nil, panicProvider{providertest.New("bad")})
	st, err := reg.Status(context.Background(), "bad")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Available || st.Error == "" {
		t.Errorf("status = %+v, want unavailable with error", st)
	}
}

func TestRegistry_ConcurrentCallersShareProbe(t *testing.T) {
	p := &slowProbe{Fake: providertest.New("gemini")}
	reg := newRegistry(t, nil, p)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Status(context.Background(), "gemini"); err != nil {
				t.Errorf("Status: %v", err)
			}
		}()
	}
	wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count != 1 {
		t.Errorf("probes = %d, want 1", p.count)
	}
}

func TestRegistry_RefreshAndStatuses(t *testing.T) {
	a := providertest.New("ollama")
	b := providertest.New("claude_code").SetAvailable(false)
	reg := newRegistry(t, nil, a, b)

	before := reg.Statuses()
	if before["ollama"].Error != "not yet probed" {
		t.Errorf("unprobed status = %+v", before["ollama"])
	}

	got := reg.Refresh(context.Background())
	if !got["ollama"].Available {
		t.Error("ollama should be available")
	}
	if got["claude_code"].Available {
		t.Error("claude_code should be unavailable")
	}
}

func TestRegistry_Observer(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	reg := provider.NewRegistry(logging.Discard(), provider.WithStatusObserver(func(st model.ProviderStatus) {
		mu.Lock()
		seen[st.Name] = st.Available
		mu.Unlock()
	}))
	_ = reg.Register(providertest.New("ollama"))
	reg.Refresh(context.Background())
	mu.Lock()
	defer mu.Unlock()
	if !seen["ollama"] {
		t.Errorf("observer not called: %v", seen)
	}
}
