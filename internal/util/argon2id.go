package util

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	argon2KeyLen  = 32
	minSaltLength = 16
)

// Argon2idParams are stored next to each hash so that raising the defaults
// never invalidates existing credentials.
type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"key_len"`
}

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        1,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		KeyLen:      argon2KeyLen,
	}
}

// Validate rejects parameter sets argon2.IDKey would accept but that are
// useless for password storage.
func (p Argon2idParams) Validate() error {
	var errs []error
	if p.Time == 0 {
		errs = append(errs, errors.New("argon2id time must be at least 1"))
	}
	if p.MemoryKiB < 8*uint32(p.Parallelism) || p.MemoryKiB == 0 {
		errs = append(errs, fmt.Errorf("argon2id memory %d KiB too small for parallelism %d", p.MemoryKiB, p.Parallelism))
	}
	if p.Parallelism == 0 {
		errs = append(errs, errors.New("argon2id parallelism must be at least 1"))
	}
	if p.KeyLen != argon2KeyLen {
		errs = append(errs, fmt.Errorf("argon2id key length must be %d bytes", argon2KeyLen))
	}
	return errors.Join(errs...)
}

// DeriveArgon2idKey hashes the NFKD form of password.
func DeriveArgon2idKey(password string, salt []byte, params Argon2idParams) ([]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(salt) < minSaltLength {
		return nil, fmt.Errorf("argon2id salt must be at least %d bytes, got %d", minSaltLength, len(salt))
	}
	return argon2.IDKey([]byte(Normalize(password)), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen), nil
}

// CompareArgon2idKey reports whether password hashes to expectedKey. The
// comparison is constant time; the derived key is wiped afterwards.
func CompareArgon2idKey(password string, salt []byte, params Argon2idParams, expectedKey []byte) (bool, error) {
	key, err := DeriveArgon2idKey(password, salt, params)
	if err != nil {
		return false, err
	}
	defer WipeBytes(key)
	return subtle.ConstantTimeCompare(key, expectedKey) == 1, nil
}
