// Package governor suppresses duplicate calls, counts consecutive failures and
// retries transient errors.
package governor

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/agentcore/internal/tool"
)

// Defaults.
const (
	DefaultDedupWindow      = 60 * time.Second
	DefaultFailureThreshold = 3
)

// Config tunes the governor.
type Config struct {
	DedupWindow      time.Duration
	FailureThreshold int
	Retry            RetryConfig
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		DedupWindow:      DefaultDedupWindow,
		FailureThreshold: DefaultFailureThreshold,
		Retry:            DefaultRetryConfig(),
	}
}

// Record tracks the history of one call signature.
type Record struct {
	Signature string
	// Count is every time the signature was seen, suppressed ones included.
	Count       int
	FirstSeen   time.Time
	LastSeen    time.Time
	LastAttempt time.Time
	// Failures since the last success of this signature.
	Failures int
	LastKind tool.Kind
	// ReadOnly records come from tools without side effects.
	ReadOnly bool
}

// Governor is shared by every batch of a session.
type Governor struct {
	cfg    Config
	logger *logging.Logger
	now    func() time.Time

	mu          sync.Mutex
	records     map[string]*Record
	consecutive int
	tripped     bool
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// New creates a governor. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) *Governor {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	cfg.Retry = cfg.Retry.normalized()
	g := &Governor{
		cfg:     cfg,
		logger:  logging.New().WithComponent("governor"),
		now:     time.Now,
		records: make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Config returns the effective configuration.
func (g *Governor) Config() Config { return g.cfg }

// Admit decides whether a call with this signature may run. It registers the
// attempt in the same critical section, so a duplicate issued while the first
// call is still running is suppressed too.
func (g *Governor) Admit(signature string, readOnly bool) (Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	rec, seen := g.records[signature]
	if !seen {
		rec = &Record{Signature: signature, FirstSeen: now, ReadOnly: readOnly}
		g.records[signature] = rec
	}
	rec.Count++
	rec.LastSeen = now

	if seen && !rec.LastAttempt.IsZero() && now.Sub(rec.LastAttempt) < g.cfg.DedupWindow {
		suppressed.Inc()
		g.logger.Warn("duplicate call suppressed", map[string]interface{}{
			"signature": truncate(signature, 120),
			"count":     rec.Count,
			"since":     now.Sub(rec.LastAttempt).String(),
		})
		return *rec, false
	}
	rec.LastAttempt = now
	return *rec, true
}

// Observe feeds a finished result into the failure accounting and reports
// whether the consecutive-failure limit has been reached. Results that never
// reached a tool (skips, cancellations) are ignored.
func (g *Governor) Observe(signature string, res tool.Result) bool {
	if !res.Success && !res.Kind.Attempted() {
		return g.Tripped()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.records[signature]
	if res.Success {
		g.consecutive = 0
		if rec != nil {
			rec.Failures = 0
			rec.LastKind = ""
		}
		return g.tripped
	}

	g.consecutive++
	if rec != nil {
		rec.Failures++
		rec.LastKind = res.Kind
	}
	failures.WithLabelValues(string(res.Kind)).Inc()

	if !g.tripped && g.consecutive >= g.cfg.FailureThreshold {
		g.tripped = true
		trips.Inc()
		g.logger.Error("consecutive failure limit reached", map[string]interface{}{
			"consecutive": g.consecutive,
			"threshold":   g.cfg.FailureThreshold,
			"last_tool":   res.Tool,
			"last_kind":   string(res.Kind),
		})
	}
	return g.tripped
}

// Tripped reports whether the consecutive-failure limit was reached. It stays
// set until Reset, even if a later in-flight call succeeds.
func (g *Governor) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tripped
}

// ConsecutiveFailures returns the current session-wide failure streak.
func (g *Governor) ConsecutiveFailures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consecutive
}

// Record returns a copy of the record for signature.
func (g *Governor) Record(signature string) (Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[signature]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// ForgetReads drops the records of read-only signatures so reads repeated after
// a side effect run again instead of being suppressed. It returns how many
// records were dropped.
func (g *Governor) ForgetReads() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for sig, rec := range g.records {
		if rec.ReadOnly {
			delete(g.records, sig)
			n++
		}
	}
	return n
}

// Reset clears the breaker and the failure streak. Dedup history is kept.
func (g *Governor) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutive = 0
	g.tripped = false
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
