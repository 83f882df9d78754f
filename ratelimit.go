package smartmeetos

import (
	"context"
	"sync"
	"time"
)

// Limiter enforces requests-per-minute and estimated-tokens-per-minute
// budgets over a fixed 60-second window. A single Limiter is shared by all
// extraction workers so the combined request stream stays under the
// provider's quota.
type Limiter struct {
	mu          sync.Mutex
	rpm         int // 0 = unlimited
	tpm         int // 0 = unlimited
	windowStart time.Time
	requests    int
	tokens      int
}

// NewLimiter creates a Limiter with the given per-minute budgets.
// Zero disables the corresponding budget.
func NewLimiter(rpm, tpm int) *Limiter {
	return &Limiter{rpm: rpm, tpm: tpm}
}

// Acquire blocks until the current window has budget for one request of
// estTokens estimated tokens, then debits it. A request larger than the
// whole token budget is admitted alone at a window boundary rather than
// blocking forever. Returns ctx.Err() if ctx is cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context, estTokens int) error {
	for {
		l.mu.Lock()
		now := time.Now()
		if l.windowStart.IsZero() || now.Sub(l.windowStart) >= time.Minute {
			l.windowStart = now
			l.requests = 0
			l.tokens = 0
		}

		rpmOK := l.rpm <= 0 || l.requests < l.rpm
		tpmOK := l.tpm <= 0 || l.tokens+estTokens <= l.tpm || l.tokens == 0

		if rpmOK && tpmOK {
			l.requests++
			l.tokens += estTokens
			l.mu.Unlock()
			return nil
		}

		wait := l.windowStart.Add(time.Minute).Sub(now)
		l.mu.Unlock()
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// EstimateTokens approximates the token cost of the given texts using the
// 4-characters-per-token heuristic, rounded up per text.
func EstimateTokens(texts ...string) int {
	var total int
	for _, t := range texts {
		total += (len(t) + 3) / 4
	}
	return total
}

// rateLimitProvider wraps a Provider with proactive rate limiting.
// Each Chat call acquires budget from the shared Limiter before hitting
// the backend, estimating its token cost from the request messages.
type rateLimitProvider struct {
	inner   Provider
	limiter *Limiter
}

// WithRateLimit wraps p so every request passes through limiter first.
// The same Limiter may guard several wrapped providers. Compose with other
// wrappers:
//
//	lim := smartmeetos.NewLimiter(30, 90000)
//	llm := smartmeetos.WithRateLimit(smartmeetos.WithRetry(provider), lim)
func WithRateLimit(p Provider, limiter *Limiter) Provider {
	return &rateLimitProvider{inner: p, limiter: limiter}
}

func (r *rateLimitProvider) Name() string { return r.inner.Name() }

func (r *rateLimitProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := r.limiter.Acquire(ctx, estimateRequestTokens(req)); err != nil {
		return ChatResponse{}, err
	}
	return r.inner.Chat(ctx, req)
}

// estimateRequestTokens sums the estimated cost of every message plus the
// tool definitions carried by the request.
func estimateRequestTokens(req ChatRequest) int {
	texts := make([]string, 0, len(req.Messages)+len(req.Tools))
	for _, m := range req.Messages {
		texts = append(texts, m.Content)
	}
	for _, t := range req.Tools {
		texts = append(texts, t.Description+string(t.Parameters))
	}
	return EstimateTokens(texts...)
}

// compile-time check
var _ Provider = (*rateLimitProvider)(nil)
