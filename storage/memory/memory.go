// Package memory provides a thread-safe in-memory storage.CredentialRepository.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/glgcapital/gatekeeper/internal/util"
	"github.com/glgcapital/gatekeeper/storage"
)

// Repository is a thread-safe in-memory implementation of
// storage.CredentialRepository. Suitable for tests and demos.
type Repository struct {
	mu   sync.RWMutex
	data map[string]storage.Credential
}

var _ storage.CredentialRepository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]storage.Credential)}
}

func clone(c storage.Credential) storage.Credential {
	c.Salt = util.CopyBytes(c.Salt)
	c.Hash = util.CopyBytes(c.Hash)
	return c
}

func (r *Repository) Get(ctx context.Context, subjectID string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.data[subjectID]
	if !ok {
		return storage.Credential{}, fmt.Errorf("%s: %w", subjectID, storage.ErrNotFound)
	}
	return clone(c), nil
}

func (r *Repository) Put(ctx context.Context, cred storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cred.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[cred.SubjectID] = clone(cred)
	return nil
}

func (r *Repository) Create(ctx context.Context, cred storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cred.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[cred.SubjectID]; ok {
		return fmt.Errorf("%s: %w", cred.SubjectID, storage.ErrExists)
	}
	r.data[cred.SubjectID] = clone(cred)
	return nil
}

func (r *Repository) Delete(ctx context.Context, subjectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[subjectID]; !ok {
		return fmt.Errorf("%s: %w", subjectID, storage.ErrNotFound)
	}
	delete(r.data, subjectID)
	return nil
}

func (r *Repository) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.data))
	for id := range r.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
