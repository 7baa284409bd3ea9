package predictgate

// PERSISTENT STORE DETAILS

// The Store interface abstracts over the two interchangeable backing
// stores: the MongoDB document store and the legacy spreadsheet store.
// Which one is active is a static startup choice made by the daemon; no
// caller ever branches on backend identity. Implementations must be safe
// for concurrent use.

import (
	"context"
	"sync"

	"github.com/mailgun/holster/v4/clock"
)

type UserRecord struct {
	ID           int64      `bson:"user_id" json:"user_id"`
	Username     string     `bson:"username" json:"username"`
	ReferredBy   int64      `bson:"referred_by,omitempty" json:"referred_by,omitempty"`
	RegisteredAt clock.Time `bson:"registered_at" json:"registered_at"`
	LastActivity clock.Time `bson:"last_activity" json:"last_activity"`
}

type ReferralRecord struct {
	ReferrerID int64      `bson:"referrer_id" json:"referrer_id"`
	ReferredID int64      `bson:"referred_id" json:"referred_id"`
	CreatedAt  clock.Time `bson:"created_at" json:"created_at"`
	Verified   bool       `bson:"verified" json:"verified"`
	VerifiedAt clock.Time `bson:"verified_at,omitempty" json:"verified_at,omitempty"`
}

type Store interface {
	// FindUser returns the user record or (nil, nil) when absent.
	FindUser(ctx context.Context, id int64) (*UserRecord, error)
	UpsertUser(ctx context.Context, u UserRecord) error
	BulkUpsertUsers(ctx context.Context, users []UserRecord) error

	// FindReferral returns the relationship where the given user is the
	// referred party, or (nil, nil) when absent. A referred user has at
	// most one relationship; the first referrer wins.
	FindReferral(ctx context.Context, referredID int64) (*ReferralRecord, error)
	InsertReferral(ctx context.Context, referrerID, referredID int64) error
	MarkReferralVerified(ctx context.Context, referrerID, referredID int64) error
	CountVerifiedReferrals(ctx context.Context, referrerID int64) (int, error)

	// Ping verifies the backend is reachable. The daemon refuses to start
	// when it is not.
	Ping(ctx context.Context) error
}

var _ Store = &MockStore{}

// MockStore is an in-memory Store that counts calls per method, used by
// tests to assert bypass paths never touch persistence.
type MockStore struct {
	mu        sync.Mutex
	Users     map[int64]UserRecord
	Referrals []ReferralRecord
	Calls     map[string]int

	// Err, when set, is returned by every method to exercise failure
	// policies.
	Err error
}

func NewMockStore() *MockStore {
	return &MockStore{
		Users: make(map[int64]UserRecord),
		Calls: make(map[string]int),
	}
}

func (s *MockStore) called(method string) {
	s.Calls[method]++
}

func (s *MockStore) FindUser(ctx context.Context, id int64) (*UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("FindUser")
	if s.Err != nil {
		return nil, s.Err
	}
	if u, ok := s.Users[id]; ok {
		return &u, nil
	}
	return nil, nil
}

func (s *MockStore) UpsertUser(ctx context.Context, u UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("UpsertUser")
	if s.Err != nil {
		return s.Err
	}
	s.Users[u.ID] = u
	return nil
}

func (s *MockStore) BulkUpsertUsers(ctx context.Context, users []UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("BulkUpsertUsers")
	if s.Err != nil {
		return s.Err
	}
	for _, u := range users {
		s.Users[u.ID] = u
	}
	return nil
}

func (s *MockStore) FindReferral(ctx context.Context, referredID int64) (*ReferralRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("FindReferral")
	if s.Err != nil {
		return nil, s.Err
	}
	for _, r := range s.Referrals {
		if r.ReferredID == referredID {
			r := r
			return &r, nil
		}
	}
	return nil, nil
}

func (s *MockStore) InsertReferral(ctx context.Context, referrerID, referredID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("InsertReferral")
	if s.Err != nil {
		return s.Err
	}
	s.Referrals = append(s.Referrals, ReferralRecord{
		ReferrerID: referrerID,
		ReferredID: referredID,
		CreatedAt:  clock.Now(),
	})
	return nil
}

func (s *MockStore) MarkReferralVerified(ctx context.Context, referrerID, referredID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("MarkReferralVerified")
	if s.Err != nil {
		return s.Err
	}
	for i, r := range s.Referrals {
		if r.ReferrerID == referrerID && r.ReferredID == referredID {
			s.Referrals[i].Verified = true
			s.Referrals[i].VerifiedAt = clock.Now()
		}
	}
	return nil
}

func (s *MockStore) CountVerifiedReferrals(ctx context.Context, referrerID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("CountVerifiedReferrals")
	if s.Err != nil {
		return 0, s.Err
	}
	var count int
	for _, r := range s.Referrals {
		if r.ReferrerID == referrerID && r.Verified {
			count++
		}
	}
	return count, nil
}

func (s *MockStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.called("Ping")
	return s.Err
}

// CallCount returns how many times a method was invoked.
func (s *MockStore) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Calls[method]
}
