// Package session persists the authenticated admin envelope between runs.
// The envelope carries the bearer token used by both the REST client and the
// websocket transport, expires after a fixed window, and is invalidated the
// first time the backend answers 401.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	bolt "go.etcd.io/bbolt"
)

// TTL is the lifetime of a stored envelope.
const TTL = 15 * 24 * time.Hour

var (
	bucketName  = []byte("session")
	envelopeKey = []byte("envelope")

	// ErrNoSession means there is no usable envelope: none stored, the
	// stored one expired, or it could not be parsed. The caller must run
	// the login flow again.
	ErrNoSession = errors.New("session: no valid session")
)

// User identifies the authenticated admin operator.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// Envelope is the persisted authentication state.
type Envelope struct {
	User   User      `json:"user"`
	Token  string    `json:"token"`
	Expiry time.Time `json:"expiry"`
}

// Valid reports whether the envelope can still be used at time now.
func (e *Envelope) Valid(now time.Time) bool {
	return e.Token != "" && now.Before(e.Expiry)
}

// Store keeps the envelope in a local bbolt file.
type Store struct {
	db *bolt.DB

	// now is swapped in tests.
	now func() time.Time
}

// Open opens (creating if needed) the session database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("session: open %s: %v", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: init bucket: %v", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads the stored envelope. Missing, corrupt and expired envelopes all
// collapse to ErrNoSession; a corrupt or expired record is deleted on the way
// out so the next Load fails fast.
func (s *Store) Load() (*Envelope, error) {
	var raw []byte
	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketName).Get(envelopeKey); v != nil {
			raw = append(raw, v...)
		}
		return nil
	})
	if raw == nil {
		return nil, ErrNoSession
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		glog.Errorf("Load(): corrupt session envelope, discarding: %v", err)
		_ = s.Invalidate()
		return nil, ErrNoSession
	}
	if !env.Valid(s.now()) {
		glog.Infof("Load(): session expired at %s, discarding", env.Expiry.Format(time.RFC3339))
		_ = s.Invalidate()
		return nil, ErrNoSession
	}
	return &env, nil
}

// Save stores a fresh envelope with expiry = now + TTL.
func (s *Store) Save(user User, token string) (*Envelope, error) {
	env := &Envelope{
		User:   user,
		Token:  token,
		Expiry: s.now().Add(TTL),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("session: marshal envelope: %v", err)
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(envelopeKey, raw)
	}); err != nil {
		return nil, fmt.Errorf("session: save envelope: %v", err)
	}
	return env, nil
}

// Invalidate deletes the stored envelope. Called on 401 from any API call.
func (s *Store) Invalidate() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(envelopeKey)
	})
}
