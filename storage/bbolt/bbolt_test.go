package bbolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glgcapital/gatekeeper/storage/storagetest"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.db")
	s, err := NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	return s, path
}

func TestBBoltRepository(t *testing.T) {
	s, _ := newTestStore(t)
	defer s.Close()
	storagetest.RunCredentialRepositoryTests(t, s)
}

func TestBBoltRepositorySurvivesReopen(t *testing.T) {
	s, path := newTestStore(t)
	storagetest.RunCredentialRepositoryTests(t, s)
	require.NoError(t, s.Close())

	reopened, err := NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "admin", got.Role)
}
