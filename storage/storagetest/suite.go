// Package storagetest holds the conformance suite shared by every
// storage.CredentialRepository implementation.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glgcapital/gatekeeper/internal/util"
	"github.com/glgcapital/gatekeeper/storage"
)

func credential(id, role string) storage.Credential {
	return storage.Credential{
		SubjectID: id,
		Role:      role,
		Salt:      []byte("0123456789abcdef"),
		Hash:      []byte("not-a-real-hash-but-long-enough!"),
		Params:    util.DefaultArgon2idParams(),
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// RunCredentialRepositoryTests exercises repo against the repository contract.
// repo must start empty.
func RunCredentialRepositoryTests(t *testing.T, repo storage.CredentialRepository) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutAndGet", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, credential("alice", "admin")))
		got, err := repo.Get(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "admin", got.Role)
		assert.Equal(t, []byte("0123456789abcdef"), got.Salt)
		assert.Equal(t, util.DefaultArgon2idParams(), got.Params)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.Get(ctx, "nobody")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Overwrite", func(t *testing.T) {
		c := credential("bob", "user")
		require.NoError(t, repo.Put(ctx, c))
		c.Disabled = true
		require.NoError(t, repo.Put(ctx, c))
		got, err := repo.Get(ctx, "bob")
		require.NoError(t, err)
		assert.True(t, got.Disabled)
	})

	t.Run("CreateIfAbsent", func(t *testing.T) {
		require.NoError(t, repo.Create(ctx, credential("carol", "user")))
		err := repo.Create(ctx, credential("carol", "admin"))
		assert.ErrorIs(t, err, storage.ErrExists)
		got, err := repo.Get(ctx, "carol")
		require.NoError(t, err)
		assert.Equal(t, "user", got.Role, "losing Create must not overwrite")
		assert.ErrorIs(t, repo.Create(ctx, storage.Credential{SubjectID: "x"}), storage.ErrInvalidCredential)
	})

	t.Run("ConcurrentCreate", func(t *testing.T) {
		const racers = 8
		var (
			wg      sync.WaitGroup
			won     atomic.Int32
			existed atomic.Int32
		)
		for i := range racers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := repo.Create(ctx, credential("dave", fmt.Sprintf("role-%d", i)))
				switch {
				case err == nil:
					won.Add(1)
				case errors.Is(err, storage.ErrExists):
					existed.Add(1)
				default:
					assert.NoError(t, err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), won.Load())
		assert.Equal(t, int32(racers-1), existed.Load())
	})

	t.Run("RejectInvalid", func(t *testing.T) {
		err := repo.Put(ctx, storage.Credential{SubjectID: "x"})
		assert.ErrorIs(t, err, storage.ErrInvalidCredential)
	})

	t.Run("List", func(t *testing.T) {
		ids, err := repo.List(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"alice", "bob", "carol", "dave"}, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, "bob"))
		_, err := repo.Get(ctx, "bob")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, repo.Delete(ctx, "bob"), storage.ErrNotFound)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := repo.Get(cctx, "alice")
		assert.ErrorIs(t, err, context.Canceled)
	})
}
