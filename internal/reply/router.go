// Package reply delivers generated answers back to the user's messaging
// platform. Delivery is best effort: failures are logged, never returned.
package reply

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Sender delivers text (and optional media URLs) to one platform.
type Sender interface {
	Platform() string
	Send(ctx context.Context, userID, text string, media []string) error
}

// Target identifies who receives a reply.
type Target struct {
	TenantID string
	UserID   string
	Platform string
}

const sendTimeout = 15 * time.Second

// Router picks a Sender by platform name. Replies are rate limited per
// tenant and platform, so one tenant's burst never delays another tenant's
// replies on the same platform.
type Router struct {
	senders map[string]Sender

	rate     rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[limiterKey]*rate.Limiter

	// OnFailure, when set, is called after a failed or unroutable delivery.
	OnFailure func(t Target, err error)
}

type limiterKey struct {
	tenant, platform string
}

// NewRouter builds a Router over senders. ratePerSecond is the reply rate
// each tenant gets on each platform; <= 0 disables rate limiting.
func NewRouter(ratePerSecond float64, senders ...Sender) *Router {
	r := &Router{
		senders:  make(map[string]Sender, len(senders)),
		limiters: make(map[limiterKey]*rate.Limiter),
	}
	for _, s := range senders {
		r.senders[strings.ToLower(s.Platform())] = s
	}
	if ratePerSecond > 0 {
		r.rate = rate.Limit(ratePerSecond)
		r.burst = max(int(ratePerSecond), 1)
	}
	return r
}

// limiter returns the tenant's limiter for platform, or nil when rate
// limiting is off.
func (r *Router) limiter(tenantID, platform string) *rate.Limiter {
	if r.rate == 0 {
		return nil
	}
	key := limiterKey{tenant: tenantID, platform: platform}
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[key]
	if !ok {
		lim = rate.NewLimiter(r.rate, r.burst)
		r.limiters[key] = lim
	}
	return lim
}

// Forget drops the tenant's limiters. Called when a tenant is offboarded.
func (r *Router) Forget(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.limiters {
		if key.tenant == tenantID {
			delete(r.limiters, key)
		}
	}
}

// Platforms lists the configured platform names.
func (r *Router) Platforms() []string {
	out := make([]string, 0, len(r.senders))
	for name := range r.senders {
		out = append(out, name)
	}
	return out
}

// Dispatch sends text to t. It never returns an error and never panics.
func (r *Router) Dispatch(ctx context.Context, t Target, text string, media []string) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("reply sender panicked", "tenant", t.TenantID, "platform", t.Platform, "panic", rec)
		}
	}()

	platform := strings.ToLower(strings.TrimSpace(t.Platform))
	s, ok := r.senders[platform]
	if !ok {
		slog.Warn("no sender for platform, reply dropped", "tenant", t.TenantID, "user", t.UserID, "platform", t.Platform)
		r.fail(t, ErrUnknownPlatform)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if lim := r.limiter(t.TenantID, platform); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			slog.Warn("reply rate limit wait aborted", "tenant", t.TenantID, "platform", platform, "error", err)
			r.fail(t, err)
			return
		}
	}

	if err := s.Send(ctx, t.UserID, text, media); err != nil {
		slog.Warn("reply delivery failed", "tenant", t.TenantID, "user", t.UserID, "platform", platform, "error", err)
		r.fail(t, err)
		return
	}
	slog.Debug("reply delivered", "tenant", t.TenantID, "user", t.UserID, "platform", platform)
}

func (r *Router) fail(t Target, err error) {
	if r.OnFailure != nil {
		r.OnFailure(t, err)
	}
}
