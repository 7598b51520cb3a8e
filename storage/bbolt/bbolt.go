// Package bbolt provides a BBolt-backed credential repository.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/glgcapital/gatekeeper/storage"
)

var credentialsBucket = []byte("credentials")

// Store implements storage.CredentialRepository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.CredentialRepository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(credentialsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating credentials bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewRepository(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, subjectID string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	var cred storage.Credential
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(credentialsBucket).Get([]byte(subjectID))
		if data == nil {
			return fmt.Errorf("%s: %w", subjectID, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &cred)
	})
	if err != nil {
		return storage.Credential{}, err
	}
	return cred, nil
}

func (s *Store) Put(ctx context.Context, cred storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cred.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(credentialsBucket).Put([]byte(cred.SubjectID), data)
	})
}

func (s *Store) Create(ctx context.Context, cred storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cred.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	key := []byte(cred.SubjectID)
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(credentialsBucket)
		if b.Get(key) != nil {
			return fmt.Errorf("%s: %w", cred.SubjectID, storage.ErrExists)
		}
		return b.Put(key, data)
	})
}

func (s *Store) Delete(ctx context.Context, subjectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(credentialsBucket)
		if b.Get([]byte(subjectID)) == nil {
			return fmt.Errorf("%s: %w", subjectID, storage.ErrNotFound)
		}
		return b.Delete([]byte(subjectID))
	})
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(credentialsBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}
