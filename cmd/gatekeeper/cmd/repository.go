package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"github.com/glgcapital/gatekeeper/config"
	"github.com/glgcapital/gatekeeper/storage"
	bboltstorage "github.com/glgcapital/gatekeeper/storage/bbolt"
	"github.com/glgcapital/gatekeeper/storage/postgres"
)

const credentialsFile = "credentials.db"

type closableRepository interface {
	storage.CredentialRepository
	io.Closer
}

// openRepository opens the credential backend named by sc.
func openRepository(ctx context.Context, sc config.StorageConfig, boltOpts *bbolt.Options) (closableRepository, error) {
	switch sc.Driver {
	case config.DriverPostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, sc.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open credential storage: %w", err)
		}
		return repo, nil
	case config.DriverBBolt, "":
		if err := os.MkdirAll(sc.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(sc.DataDir, credentialsFile), boltOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to open credential storage: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
}
