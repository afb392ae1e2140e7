package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Store reconciles the profile and session namespaces for a user. Both halves
// of a Load or Save run concurrently and resolve to a single outcome.
type Store struct {
	profiles      Storage
	sessions      Storage
	maxSessionAge time.Duration
	now           func() time.Time
	mode          string
	closeFn       func() error
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for freshness checks and access stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxSessionAge sets the session expiry window.
func WithMaxSessionAge(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.maxSessionAge = d
		}
	}
}

func withMode(mode string, closeFn func() error) Option {
	return func(s *Store) {
		s.mode = mode
		s.closeFn = closeFn
	}
}

func NewStore(profiles, sessions Storage, opts ...Option) *Store {
	s := &Store{
		profiles:      profiles,
		sessions:      sessions,
		maxSessionAge: DefaultMaxSessionAge,
		now:           time.Now,
		mode:          "custom",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewMemoryStore builds a Store over two fresh in-memory namespaces.
func NewMemoryStore(opts ...Option) *Store {
	opts = append([]Option{withMode("in-memory", nil)}, opts...)
	return NewStore(NewMemoryStorage(), NewMemoryStorage(), opts...)
}

// Mode names the backing storage ("in-memory", "postgres" or "custom").
func (s *Store) Mode() string { return s.mode }

// MaxSessionAge returns the configured expiry window.
func (s *Store) MaxSessionAge() time.Duration { return s.maxSessionAge }

// Load fetches the profile and session for userID. A session whose last access
// is at least MaxSessionAge old comes back nil while the profile is still
// returned. Either read failing fails the whole call with no partial result.
func (s *Store) Load(ctx context.Context, userID string) (Profile, *Session, error) {
	var (
		profile Profile
		session *Session
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		raw, err := s.profiles.Get(gctx, userID)
		if err != nil {
			return &StoreError{Op: "get", Namespace: NamespaceProfile, Key: userID, Err: err}
		}
		if len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, &profile); err != nil {
			return &StoreError{Op: "decode", Namespace: NamespaceProfile, Key: userID, Err: err}
		}
		return nil
	})
	g.Go(func() error {
		raw, err := s.sessions.Get(gctx, userID)
		if err != nil {
			return &StoreError{Op: "get", Namespace: NamespaceSession, Key: userID, Err: err}
		}
		if len(raw) == 0 {
			return nil
		}
		var loaded *Session
		if err := json.Unmarshal(raw, &loaded); err != nil {
			return &StoreError{Op: "decode", Namespace: NamespaceSession, Key: userID, Err: err}
		}
		session = loaded
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	if session != nil && !s.fresh(session) {
		session = nil
	}
	return profile, session, nil
}

// Save writes both halves for userID, stamping the session's last access with
// the current time. A nil session clears the stored snapshot.
//
// The two namespaces are independent backends with no shared transaction. An
// error means the save as a whole failed, but the half that did succeed stays
// written; callers must treat the stored state as unknown, not rolled back.
func (s *Store) Save(ctx context.Context, userID string, profile Profile, session *Session) error {
	if profile == nil {
		profile = Profile{}
	}
	profileRaw, err := json.Marshal(profile)
	if err != nil {
		return &StoreError{Op: "encode", Namespace: NamespaceProfile, Key: userID, Err: err}
	}

	var sessionRaw json.RawMessage
	if session != nil {
		stamped := *session
		stamped.LastAccess = s.now().UnixMilli()
		sessionRaw, err = json.Marshal(stamped)
		if err != nil {
			return &StoreError{Op: "encode", Namespace: NamespaceSession, Key: userID, Err: err}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.profiles.Save(gctx, userID, profileRaw); err != nil {
			return &StoreError{Op: "save", Namespace: NamespaceProfile, Key: userID, Err: err}
		}
		return nil
	})
	g.Go(func() error {
		if err := s.sessions.Save(gctx, userID, sessionRaw); err != nil {
			return &StoreError{Op: "save", Namespace: NamespaceSession, Key: userID, Err: err}
		}
		return nil
	})
	return g.Wait()
}

func (s *Store) fresh(session *Session) bool {
	age := s.now().UnixMilli() - session.LastAccess
	return age < s.maxSessionAge.Milliseconds()
}

func (s *Store) Close() error {
	var firstErr error
	for _, ns := range []Storage{s.profiles, s.sessions} {
		if ns == nil {
			continue
		}
		if err := ns.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.closeFn != nil {
		if err := s.closeFn(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close state backend: %w", err)
		}
	}
	return firstErr
}
