package reply

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockSender struct {
	platform string
	err      error
	panics   bool

	mu    sync.Mutex
	calls []sentReply
}

type sentReply struct {
	userID string
	text   string
	media  []string
}

func (m *mockSender) Platform() string { return m.platform }

func (m *mockSender) Send(_ context.Context, userID, text string, media []string) error {
	if m.panics {
		panic("boom")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sentReply{userID: userID, text: text, media: media})
	return m.err
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func TestDispatch_RoutesByPlatform(t *testing.T) {
	tg := &mockSender{platform: "telegram"}
	dc := &mockSender{platform: "discord"}
	r := NewRouter(0, tg, dc)

	r.Dispatch(context.Background(), Target{TenantID: "t1", UserID: "42", Platform: "Telegram"}, "hi", []string{"http://img"})

	if tg.count() != 1 || dc.count() != 0 {
		t.Fatalf("telegram=%d discord=%d", tg.count(), dc.count())
	}
	got := tg.calls[0]
	if got.userID != "42" || got.text != "hi" || len(got.media) != 1 {
		t.Errorf("unexpected call %+v", got)
	}
}

func TestDispatch_UnknownPlatform(t *testing.T) {
	var failed error
	r := NewRouter(0, &mockSender{platform: "telegram"})
	r.OnFailure = func(_ Target, err error) { failed = err }

	r.Dispatch(context.Background(), Target{TenantID: "t1", UserID: "u", Platform: "carrier-pigeon"}, "hi", nil)

	if !errors.Is(failed, ErrUnknownPlatform) {
		t.Errorf("OnFailure err = %v, want ErrUnknownPlatform", failed)
	}
}

func TestDispatch_SenderErrorSwallowed(t *testing.T) {
	var calls int
	s := &mockSender{platform: "discord", err: errors.New("network down")}
	r := NewRouter(0, s)
	r.OnFailure = func(Target, error) { calls++ }

	r.Dispatch(context.Background(), Target{Platform: "discord", UserID: "1"}, "x", nil)

	if s.count() != 1 {
		t.Errorf("send attempts = %d", s.count())
	}
	if calls != 1 {
		t.Errorf("OnFailure calls = %d", calls)
	}
}

func TestDispatch_SenderPanicRecovered(t *testing.T) {
	r := NewRouter(0, &mockSender{platform: "discord", panics: true})
	r.Dispatch(context.Background(), Target{Platform: "discord", UserID: "1"}, "x", nil)
}

func TestDispatch_RateLimited(t *testing.T) {
	s := &mockSender{platform: "webhook"}
	r := NewRouter(1, s)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// burst of 1: the second send has to wait about a second and the context
	// expires first.
	r.Dispatch(ctx, Target{Platform: "webhook"}, "a", nil)
	r.Dispatch(ctx, Target{Platform: "webhook"}, "b", nil)

	if s.count() != 1 {
		t.Errorf("sends = %d, want 1", s.count())
	}
}

func TestDispatch_RateLimitIsPerTenant(t *testing.T) {
	s := &mockSender{platform: "telegram"}
	r := NewRouter(1, s)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// acme spends its burst, then waits past the deadline. globex shares
	// the platform but has its own budget.
	r.Dispatch(ctx, Target{TenantID: "acme", Platform: "telegram"}, "a1", nil)
	r.Dispatch(ctx, Target{TenantID: "acme", Platform: "telegram"}, "a2", nil)
	r.Dispatch(ctx, Target{TenantID: "globex", Platform: "telegram"}, "g1", nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) != 2 || s.calls[0].text != "a1" || s.calls[1].text != "g1" {
		t.Errorf("calls = %+v, want [a1 g1]", s.calls)
	}
}

func TestForget_DropsTenantLimiters(t *testing.T) {
	r := NewRouter(1, &mockSender{platform: "telegram"}, &mockSender{platform: "discord"})
	ctx := context.Background()
	r.Dispatch(ctx, Target{TenantID: "acme", Platform: "telegram"}, "x", nil)
	r.Dispatch(ctx, Target{TenantID: "acme", Platform: "discord"}, "x", nil)
	r.Dispatch(ctx, Target{TenantID: "globex", Platform: "telegram"}, "x", nil)

	r.Forget("acme")

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.limiters) != 1 {
		t.Errorf("limiters = %d, want 1", len(r.limiters))
	}
	if _, ok := r.limiters[limiterKey{tenant: "globex", platform: "telegram"}]; !ok {
		t.Error("globex limiter should survive")
	}
}

func TestDispatch_NoLimitersWhenDisabled(t *testing.T) {
	r := NewRouter(0, &mockSender{platform: "telegram"})
	r.Dispatch(context.Background(), Target{TenantID: "acme", Platform: "telegram"}, "x", nil)
	if len(r.limiters) != 0 {
		t.Errorf("limiters = %d, want 0", len(r.limiters))
	}
}

func TestPlatforms(t *testing.T) {
	r := NewRouter(0, &mockSender{platform: "Telegram"}, &mockSender{platform: "discord"})
	got := map[string]bool{}
	for _, p := range r.Platforms() {
		got[p] = true
	}
	if !got["telegram"] || !got["discord"] || len(got) != 2 {
		t.Errorf("platforms = %v", r.Platforms())
	}
}
