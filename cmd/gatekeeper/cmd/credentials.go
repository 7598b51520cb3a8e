package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.etcd.io/bbolt"

	"github.com/glgcapital/gatekeeper/config"
	"github.com/glgcapital/gatekeeper/session"
	"github.com/glgcapital/gatekeeper/storage"
)

// passwordEnv is read when --password is not given.
const passwordEnv = "GATEKEEPER_PASSWORD"

var (
	credStorage  config.StorageConfig
	credRole     string
	credPassword string

	// credentialParams is replaced in tests with cheaper settings.
	credentialParams = session.DefaultConfig().Params
)

var credentialsCmd = &cobra.Command{
	Use:     "credentials",
	Aliases: []string{"creds"},
	Short:   "Manage stored subject credentials",
}

var credentialsAddCmd = &cobra.Command{
	Use:   "add <subject-id>",
	Short: "Create or replace a credential",
	Long: `Create or replace a credential. The password is taken from --password,
then $GATEKEEPER_PASSWORD, then the first line of standard input.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := session.ParseRole(credRole)
		if err != nil {
			return err
		}
		password, err := readPassword(cmd.InOrStdin())
		if err != nil {
			return err
		}
		cred, err := session.NewCredential(args[0], role, password, credentialParams, time.Now())
		if err != nil {
			return err
		}
		return withRepository(cmd.Context(), func(ctx context.Context, repo storage.CredentialRepository) error {
			if existing, err := repo.Get(ctx, cred.SubjectID); err == nil {
				cred.CreatedAt = existing.CreatedAt
			} else if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			if err := repo.Put(ctx, cred); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s (%s)\n", cred.SubjectID, cred.Role)
			return nil
		})
	},
}

var credentialsDisableCmd = &cobra.Command{
	Use:   "disable <subject-id>",
	Short: "Disable a credential without deleting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setDisabled(cmd, args[0], true)
	},
}

var credentialsEnableCmd = &cobra.Command{
	Use:   "enable <subject-id>",
	Short: "Re-enable a disabled credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setDisabled(cmd, args[0], false)
	},
}

var credentialsDeleteCmd = &cobra.Command{
	Use:   "delete <subject-id>",
	Short: "Delete a credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepository(cmd.Context(), func(ctx context.Context, repo storage.CredentialRepository) error {
			if err := repo.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		})
	},
}

var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepository(cmd.Context(), func(ctx context.Context, repo storage.CredentialRepository) error {
			ids, err := repo.List(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SUBJECT\tROLE\tSTATUS\tUPDATED")
			for _, id := range ids {
				cred, err := repo.Get(ctx, id)
				if err != nil {
					return err
				}
				status := "active"
				if cred.Disabled {
					status = "disabled"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", cred.SubjectID, cred.Role, status, cred.UpdatedAt.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		})
	},
}

func setDisabled(cmd *cobra.Command, subjectID string, disabled bool) error {
	return withRepository(cmd.Context(), func(ctx context.Context, repo storage.CredentialRepository) error {
		cred, err := repo.Get(ctx, subjectID)
		if err != nil {
			return err
		}
		cred.Disabled = disabled
		cred.UpdatedAt = time.Now().UTC()
		if err := repo.Put(ctx, cred); err != nil {
			return err
		}
		state := "enabled"
		if disabled {
			state = "disabled"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", state, subjectID)
		return nil
	})
}

// withRepository opens the credential store for the duration of fn.
// A running server holds the bbolt file lock, so opening times out rather
// than blocking forever.
func withRepository(ctx context.Context, fn func(context.Context, storage.CredentialRepository) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if credStorage.PostgresDSN == "" {
		credStorage.PostgresDSN = os.Getenv(config.EnvPrefix + "POSTGRES_DSN")
	}
	repo, err := openRepository(ctx, credStorage, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return err
	}
	defer repo.Close()
	return fn(ctx, repo)
}

func readPassword(stdin io.Reader) (string, error) {
	if credPassword != "" {
		return credPassword, nil
	}
	if pw, ok := os.LookupEnv(passwordEnv); ok && pw != "" {
		return pw, nil
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("password is required")
	}
	return pw, nil
}

func init() {
	rootCmd.AddCommand(credentialsCmd)
	credentialsCmd.PersistentFlags().StringVar(&credStorage.Driver, "driver", config.DriverBBolt, "Storage driver: bbolt or postgres")
	credentialsCmd.PersistentFlags().StringVar(&credStorage.DataDir, "data-dir", "./data", "Directory for persistent data (bbolt)")
	credentialsCmd.PersistentFlags().StringVar(&credStorage.PostgresDSN, "postgres-dsn", "", "PostgreSQL DSN (default $"+config.EnvPrefix+"POSTGRES_DSN)")
	credentialsAddCmd.Flags().StringVar(&credRole, "role", string(session.RoleUser), "Role: user, admin or superadmin")
	credentialsAddCmd.Flags().StringVar(&credPassword, "password", "", "Password (prefer $"+passwordEnv+" or stdin)")
	credentialsCmd.AddCommand(credentialsAddCmd, credentialsDisableCmd, credentialsEnableCmd, credentialsDeleteCmd, credentialsListCmd)
}
