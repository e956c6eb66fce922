package guard

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// ErrSessionEnded means the refresh chain is gone for good: the server
// refused to rotate and the stored session was discarded. The caller must
// send the user back through login.
var ErrSessionEnded = errors.New("session ended")

const (
	// DefaultExpiryBuffer treats a token as expired slightly early so a
	// request never leaves with a token that dies in flight.
	DefaultExpiryBuffer = 30 * time.Second
	// DefaultCheckInterval paces the background expiry sweep.
	DefaultCheckInterval = 20 * time.Second
)

// Refresher trades the current session for a fresh one. The portal HTTP
// client implements this against the rotate endpoint.
type Refresher interface {
	Refresh(ctx context.Context) (Snapshot, error)
}

type Options struct {
	ExpiryBuffer   time.Duration
	CheckInterval  time.Duration
	OnSessionEnded func()
	Now            func() time.Time
}

// Guard keeps the stored access token usable. All token reads funnel through
// GetValidToken, which refreshes on demand; concurrent callers share one
// refresh flight, and guards sharing a Store pick up each other's refreshes
// instead of racing the server.
type Guard struct {
	store     Store
	refresher Refresher
	buffer    time.Duration
	interval  time.Duration
	onEnded   func()
	now       func() time.Time

	flight singleflight.Group
	ended  atomic.Bool
	wake   chan struct{}
}

func New(store Store, refresher Refresher, opts Options) *Guard {
	if opts.ExpiryBuffer <= 0 {
		opts.ExpiryBuffer = DefaultExpiryBuffer
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Guard{
		store:     store,
		refresher: refresher,
		buffer:    opts.ExpiryBuffer,
		interval:  opts.CheckInterval,
		onEnded:   opts.OnSessionEnded,
		now:       opts.Now,
		wake:      make(chan struct{}, 1),
	}
}

// ExpiresAt extracts the expiry claim without verifying the signature. The
// second return is false when the token cannot be decoded or carries no
// expiry.
func ExpiresAt(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// IsExpired reports whether the token is unusable within the buffer window.
// A token that cannot be decoded is expired; the server would reject it
// anyway, so the guard treats it as a refresh trigger rather than an error.
func IsExpired(token string, now time.Time, buffer time.Duration) bool {
	exp, ok := ExpiresAt(token)
	if !ok {
		return true
	}
	return !now.Add(buffer).Before(exp)
}

// GetValidToken returns a token usable for at least the buffer window,
// refreshing the session if needed.
func (g *Guard) GetValidToken(ctx context.Context) (string, error) {
	if g.ended.Load() {
		return "", ErrSessionEnded
	}
	// no snapshot means no session was ever established (or another tab
	// already cleared it); report ErrSessionEnded without latching or firing
	// OnSessionEnded, so a guard built before login stays usable once a
	// session appears in the store. The callback fires only when a refresh
	// attempt fails terminally.
	snap, ok := g.store.Load()
	if !ok {
		return "", ErrSessionEnded
	}
	if !IsExpired(snap.Token, g.now(), g.buffer) {
		return snap.Token, nil
	}

	result, err, _ := g.flight.Do("refresh", func() (any, error) {
		// another tab (or the winner of this flight) may have refreshed
		// while we waited; the store is the source of truth
		if current, ok := g.store.Load(); ok && !IsExpired(current.Token, g.now(), g.buffer) {
			return current.Token, nil
		}
		fresh, err := g.refresher.Refresh(ctx)
		if err != nil {
			return "", err
		}
		g.store.Save(fresh)
		return fresh.Token, nil
	})
	if err != nil {
		g.endSession()
		return "", ErrSessionEnded
	}
	return result.(string), nil
}

// Wake forces an immediate expiry check from Run, for tab-visibility events
// where the timer may have been throttled while hidden.
func (g *Guard) Wake() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// Run sweeps the stored token until the context ends or the session does.
// Each pass renews the token when it is inside the buffer window, so a tab
// sitting idle keeps a live session without user traffic.
func (g *Guard) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-g.wake:
		}
		if g.ended.Load() {
			return ErrSessionEnded
		}
		snap, ok := g.store.Load()
		if !ok {
			continue
		}
		if IsExpired(snap.Token, g.now(), g.buffer) {
			if _, err := g.GetValidToken(ctx); errors.Is(err, ErrSessionEnded) {
				return err
			}
		}
	}
}

// Ended reports whether the guard has given up on the session.
func (g *Guard) Ended() bool {
	return g.ended.Load()
}

func (g *Guard) endSession() {
	if g.ended.CompareAndSwap(false, true) {
		g.store.Clear()
		if g.onEnded != nil {
			g.onEnded()
		}
	}
}
