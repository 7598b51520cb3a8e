package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glgcapital/gatekeeper/storage/storagetest"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.RunCredentialRepositoryTests(t, NewRepository())
}

func TestMemoryRepositoryReturnsCopies(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()
	storagetest.RunCredentialRepositoryTests(t, repo)

	got, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	got.Salt[0] = 'X'

	again, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, byte('0'), again.Salt[0])
}
