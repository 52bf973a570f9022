package idempotency

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrKeyMismatch is returned when an idempotency key is reused for a request
// with a different fingerprint.
var ErrKeyMismatch = errors.New("idempotency key reused with different request parameters")

// ErrStoreUnavailable wraps failures to read the backing store. The producer
// has not run when it is returned.
var ErrStoreUnavailable = errors.New("idempotency store unavailable")

// MismatchError describes a key reuse. It unwraps to ErrKeyMismatch.
type MismatchError struct {
	Key                 string
	StoredFingerprint   string
	ProvidedFingerprint string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("idempotency key %q: %s", e.Key, ErrKeyMismatch.Error())
}

func (e *MismatchError) Unwrap() error {
	return ErrKeyMismatch
}

// ProducerError is returned for a failed producer run, to the caller that
// ran it and to every caller that joined it. Attempted reports whether the
// producer's side effect may have started.
//
// A producer can return a ProducerError with Attempted false to report that
// it failed before doing anything. Any other producer error is wrapped with
// Attempted set.
type ProducerError struct {
	Err       error
	Attempted bool
}

func (e *ProducerError) Error() string {
	return e.Err.Error()
}

func (e *ProducerError) Unwrap() error {
	return e.Err
}

// Attempted reports whether err carries a producer failure whose side effect
// may have started.
func Attempted(err error) bool {
	var pe *ProducerError
	return errors.As(err, &pe) && pe.Attempted
}

func producerFailure(err error) error {
	var pe *ProducerError
	if errors.As(err, &pe) {
		return err
	}
	return &ProducerError{Err: err, Attempted: true}
}

// Producer computes the result to be stored under a key.
type Producer func(ctx context.Context) (Snapshot, error)

// Config holds guard settings.
type Config struct {
	// TTL is how long a stored result is replayed. Defaults to DefaultTTL.
	TTL time.Duration

	// SweepProbability is the chance that a call triggers a background
	// cleanup of expired records. Zero disables sweeping.
	SweepProbability float64

	// SweepTimeout bounds a single background cleanup.
	SweepTimeout time.Duration
}

// DefaultConfig returns the default guard configuration.
func DefaultConfig() Config {
	return Config{
		TTL:              DefaultTTL,
		SweepProbability: 0.01,
		SweepTimeout:     5 * time.Second,
	}
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithRandom sets the source used to decide whether a call sweeps.
func WithRandom(r func() float64) Option {
	return func(g *Guard) { g.random = r }
}

// CallOption configures a single Execute call.
type CallOption func(*callOptions)

type callOptions struct {
	ttl time.Duration
}

// WithTTL overrides the guard TTL for the record stored by this call.
func WithTTL(ttl time.Duration) CallOption {
	return func(o *callOptions) { o.ttl = ttl }
}

// Guard deduplicates producer executions by idempotency key.
type Guard struct {
	store  Store
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
	random func() float64

	group singleflight.Group

	mu       sync.Mutex
	closed   bool
	sweeping bool
	wg       sync.WaitGroup
}

// NewGuard creates a guard over store.
func NewGuard(store Store, cfg Config, logger zerolog.Logger, opts ...Option) *Guard {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = def.SweepTimeout
	}

	g := &Guard{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "idempotency-guard").Logger(),
		now:    time.Now,
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// flight is the outcome shared between the leader of a singleflight call and
// any callers that joined it.
type flight struct {
	fingerprint string
	snapshot    Snapshot
	err         error
	replayed    bool
	lostRace    bool
}

// Execute runs produce at most once for an unexpired key and returns its
// snapshot. The bool is true when the snapshot was replayed rather than
// produced by this call.
//
// An empty key bypasses the guard. An empty fingerprint runs produce without
// comparing or storing. Producer errors are never stored; under a key they
// come back as a *ProducerError. A caller that joined a failed execution for
// a different fingerprint, or one whose leader was cancelled while the
// caller is still live, retries instead of sharing the failure.
func (g *Guard) Execute(ctx context.Context, key, fingerprint string, produce Producer, opts ...CallOption) (Snapshot, bool, error) {
	g.maybeSweep()

	if key == "" {
		snap, err := produce(ctx)
		return snap, false, err
	}
	if fingerprint == "" {
		g.logger.Debug().Str("key", key).Msg("Empty request fingerprint, executing without caching")
		snap, err := produce(ctx)
		return snap, false, err
	}

	co := callOptions{ttl: g.cfg.TTL}
	for _, opt := range opts {
		opt(&co)
	}

	for {
		rec, found, err := g.lookup(ctx, key)
		if err != nil {
			return Snapshot{}, false, err
		}
		if found {
			if rec.Fingerprint != fingerprint {
				return Snapshot{}, false, g.mismatch(key, rec.Fingerprint, fingerprint)
			}
			g.logger.Debug().Str("key", key).Msg("Replaying stored result")
			return rec.Snapshot, true, nil
		}

		led := false
		v, _, _ := g.group.Do(key, func() (any, error) {
			led = true
			return g.lead(ctx, key, fingerprint, produce, co), nil
		})
		f := v.(*flight)

		if f.err != nil {
			if !led && g.rejoin(ctx, f, fingerprint) {
				if err := ctx.Err(); err != nil {
					return Snapshot{}, false, err
				}
				g.logger.Debug().Str("key", key).Err(f.err).Msg("In-flight execution failed without storing a result, retrying")
				continue
			}
			return Snapshot{}, false, f.err
		}
		if f.fingerprint != fingerprint {
			return Snapshot{}, false, g.mismatch(key, f.fingerprint, fingerprint)
		}

		snap := f.snapshot.Clone()
		switch {
		case !led:
			g.logger.Debug().Str("key", key).Msg("Joined in-flight execution")
			return snap, true, nil
		case f.replayed:
			return snap, true, nil
		case f.lostRace:
			g.logger.Warn().Str("key", key).Msg("Concurrent execution stored first, returning its result")
			return snap, false, nil
		default:
			return snap, false, nil
		}
	}
}

// rejoin reports whether a caller that joined the failed flight f should
// look the key up again instead of sharing the failure. f stored nothing.
func (g *Guard) rejoin(ctx context.Context, f *flight, fingerprint string) bool {
	if f.fingerprint != fingerprint {
		return true
	}
	cancelled := errors.Is(f.err, context.Canceled) || errors.Is(f.err, context.DeadlineExceeded)
	return cancelled && ctx.Err() == nil
}

// lead runs inside the singleflight group for a key with no stored record.
func (g *Guard) lead(ctx context.Context, key, fingerprint string, produce Producer, co callOptions) *flight {
	// Another process may have stored a result since the first lookup.
	rec, found, err := g.lookup(ctx, key)
	if err != nil {
		return &flight{fingerprint: fingerprint, err: err}
	}
	if found {
		return &flight{fingerprint: rec.Fingerprint, snapshot: rec.Snapshot, replayed: true}
	}

	snap, err := produce(ctx)
	if err != nil {
		return &flight{fingerprint: fingerprint, err: producerFailure(err)}
	}

	now := g.now()
	stored, inserted, err := g.store.TryInsertIfAbsent(ctx, Record{
		Key:         key,
		Fingerprint: fingerprint,
		Snapshot:    snap.Clone(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(co.ttl),
	}, now)
	if err != nil {
		// The side effect already happened; hand back the result uncached.
		g.logger.Error().Err(err).Str("key", key).Msg("Failed to store idempotency record")
		return &flight{fingerprint: fingerprint, snapshot: snap}
	}
	if !inserted {
		return &flight{fingerprint: stored.Fingerprint, snapshot: stored.Snapshot, lostRace: true}
	}
	return &flight{fingerprint: fingerprint, snapshot: snap}
}

// lookup returns the unexpired record for key.
func (g *Guard) lookup(ctx context.Context, key string) (Record, bool, error) {
	rec, found, err := g.store.TryGet(ctx, key)
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: failed to read record: %w", ErrStoreUnavailable, err)
	}
	if !found || rec.Expired(g.now()) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (g *Guard) mismatch(key, stored, provided string) error {
	g.logger.Warn().Str("key", key).Msg("Idempotency key reused with different parameters")
	return &MismatchError{Key: key, StoredFingerprint: stored, ProvidedFingerprint: provided}
}

// maybeSweep starts a background cleanup with probability SweepProbability.
// At most one sweep runs at a time.
func (g *Guard) maybeSweep() {
	if g.cfg.SweepProbability <= 0 || g.random() >= g.cfg.SweepProbability {
		return
	}

	g.mu.Lock()
	if g.closed || g.sweeping {
		g.mu.Unlock()
		return
	}
	g.sweeping = true
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		defer func() {
			g.mu.Lock()
			g.sweeping = false
			g.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.SweepTimeout)
		defer cancel()

		if _, err := g.Sweep(ctx); err != nil {
			g.logger.Warn().Err(err).Msg("Background idempotency sweep failed")
		}
	}()
}

// Sweep deletes expired records synchronously and returns how many were
// removed.
func (g *Guard) Sweep(ctx context.Context) (int64, error) {
	n, err := g.store.DeleteExpired(ctx, g.now())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired idempotency records: %w", err)
	}
	if n > 0 {
		g.logger.Debug().Int64("deleted", n).Msg("Swept expired idempotency records")
	}
	return n, nil
}

// TTL returns the guard's default record lifetime.
func (g *Guard) TTL() time.Duration {
	return g.cfg.TTL
}

// Close stops new background sweeps and waits for a running one to finish.
func (g *Guard) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	g.wg.Wait()
	return nil
}
