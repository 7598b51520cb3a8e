// Package storage provides the credential repository that backs session
// verification. Records hold argon2id password hashes, never passwords.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/glgcapital/gatekeeper/internal/util"
)

// ErrNotFound is returned when no credential exists for a subject.
var ErrNotFound = errors.New("credential not found")

// ErrExists is returned by Create when the subject already has a credential.
var ErrExists = errors.New("credential already exists")

// ErrInvalidCredential is returned by Put for records missing required fields.
var ErrInvalidCredential = errors.New("invalid credential record")

// Credential is the stored record for one subject.
type Credential struct {
	SubjectID string              `json:"subject_id"`
	Role      string              `json:"role"`
	Salt      []byte              `json:"salt"`
	Hash      []byte              `json:"hash"`
	Params    util.Argon2idParams `json:"params"`
	Disabled  bool                `json:"disabled,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Validate checks that the record can be stored.
func (c Credential) Validate() error {
	if c.SubjectID == "" || c.Role == "" || len(c.Salt) == 0 || len(c.Hash) == 0 {
		return ErrInvalidCredential
	}
	return nil
}

// CredentialRepository stores credential records keyed by subject ID.
type CredentialRepository interface {
	Get(ctx context.Context, subjectID string) (Credential, error)
	Put(ctx context.Context, cred Credential) error
	// Create stores cred only if no record exists for its subject, and
	// returns ErrExists otherwise. The check and the write are atomic.
	Create(ctx context.Context, cred Credential) error
	Delete(ctx context.Context, subjectID string) error
	List(ctx context.Context) ([]string, error)
}
