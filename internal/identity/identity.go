// Package identity persists the device's registration: the user code that
// names this operator on the presence channel, plus the profile fields
// captured at registration time. One bbolt file per device, written once and
// read on every start.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var (
	bucketIdentity = []byte("identity")
	keyCurrent     = []byte("current")

	ErrNotRegistered = errors.New("device not registered")
)

// Identity is the registered device profile.
type Identity struct {
	UserCode     string `msgpack:"userCode"`
	DisplayName  string `msgpack:"displayName"`
	Area         string `msgpack:"area"`
	RegisteredAt int64  `msgpack:"registeredAt"` // Unix timestamp (seconds)
}

type Store struct {
	db *bbolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open identity db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIdentity)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create identity bucket: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Current returns the stored identity, or ErrNotRegistered.
func (s *Store) Current() (Identity, error) {
	var id Identity
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketIdentity).Get(keyCurrent)
		if data == nil {
			return ErrNotRegistered
		}
		return msgpack.Unmarshal(data, &id)
	})
	if err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Ensure returns the stored identity, registering a new one on first run.
// The generated user code is short enough to read aloud over a radio.
func (s *Store) Ensure(displayName, area string) (Identity, error) {
	id, err := s.Current()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNotRegistered) {
		return Identity{}, err
	}

	id = Identity{
		UserCode:     newUserCode(),
		DisplayName:  displayName,
		Area:         area,
		RegisteredAt: time.Now().Unix(),
	}
	if err := s.put(id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// SetProfile updates the mutable profile fields, keeping the user code.
func (s *Store) SetProfile(displayName, area string) (Identity, error) {
	id, err := s.Current()
	if err != nil {
		return Identity{}, err
	}
	id.DisplayName = displayName
	id.Area = area
	if err := s.put(id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Clear forgets the registration, for logout.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIdentity).Delete(keyCurrent)
	})
}

func (s *Store) put(id Identity) error {
	data, err := msgpack.Marshal(&id)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIdentity).Put(keyCurrent, data)
	})
}

func newUserCode() string {
	// First uuid group: 8 hex chars, unique enough for one fleet.
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}
