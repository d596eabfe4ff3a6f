// Package main provides operator commands for age keys and agent tokens.
//
//	keyctl generate
//	keyctl agent-token <estate-id>
//	keyctl user-token <user-id> <org-id>
//	keyctl rotate [--dry-run]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/narvanalabs/sandbox-plane/internal/auth"
	"github.com/narvanalabs/sandbox-plane/internal/models"
	"github.com/narvanalabs/sandbox-plane/internal/secrets"
	"github.com/narvanalabs/sandbox-plane/internal/store"
	pgstore "github.com/narvanalabs/sandbox-plane/internal/store/postgres"
	"github.com/narvanalabs/sandbox-plane/pkg/config"
	"github.com/narvanalabs/sandbox-plane/pkg/logger"
)

// tokenGroup holds repository tokens during rotation. Estate ids are UUIDs
// so it never collides with an estate env group.
const tokenGroup = "repository-tokens"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRoot(ctx, config.LoadWithDefaults(), os.Stdout)
	root.SetArgs(os.Args[1:])
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRoot(ctx context.Context, cfg *config.Config, out io.Writer) *cobra.Command {
	log := logger.New(logger.ParseLevel(cfg.LogLevel), false).WithComponent("keyctl")

	root := &cobra.Command{
		Use:           "keyctl",
		Short:         "Manage age keys and agent tokens",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	var dryRun bool
	rotateCmd := &cobra.Command{
		Use:   "rotate",
		Short: "Re-encrypt every estate token and env value under a new age key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := secrets.NewService(&secrets.Config{
				AgePublicKey:  cfg.SOPS.AgePublicKey,
				AgePrivateKey: cfg.SOPS.AgePrivateKey,
			}, log.Logger)
			if err != nil {
				return err
			}
			st, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), log.Logger)
			if err != nil {
				return fmt.Errorf("connecting to database: %w", err)
			}
			defer st.Close()
			return rotate(ctx, st, svc, dryRun, cmd.OutOrStdout())
		},
	}
	rotateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "check that every value decrypts without writing")

	var secret string
	authService := func() (*auth.Service, error) {
		if secret == "" {
			secret = os.Getenv("JWT_SECRET")
		}
		if len(secret) < 32 {
			return nil, errors.New("JWT secret of at least 32 characters required (--secret or JWT_SECRET)")
		}
		return auth.NewService(&auth.Config{
			JWTSecret:        []byte(secret),
			TokenExpiry:      cfg.JWTExpiry,
			AgentTokenExpiry: cfg.AgentTokenExpiry,
		}, log.Logger), nil
	}
	root.PersistentFlags().StringVar(&secret, "secret", "", "JWT secret (defaults to JWT_SECRET)")

	agentTokenCmd := &cobra.Command{
		Use:   "agent-token <estate-id>",
		Short: "Mint a bearer token for an estate agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := authService()
			if err != nil {
				return err
			}
			token, err := svc.GenerateAgentToken(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	userTokenCmd := &cobra.Command{
		Use:   "user-token <user-id> <org-id>",
		Short: "Mint a bearer token for an organisation member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := authService()
			if err != nil {
				return err
			}
			token, err := svc.GenerateToken(args[0], args[1])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "generate",
			Short: "Print a new age key pair",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				public, private, err := secrets.GenerateKeyPair()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "SOPS_AGE_PUBLIC_KEY=%s\nSOPS_AGE_PRIVATE_KEY=%s\n", public, private)
				return err
			},
		},
		agentTokenCmd,
		userTokenCmd,
		rotateCmd,
	)
	return root
}

// rotate re-encrypts every sealed value in st under a fresh key pair and
// writes the results in one transaction. Nothing is written if any value
// fails to decrypt.
func rotate(ctx context.Context, st store.Store, svc *secrets.Service, dryRun bool, out io.Writer) error {
	if !svc.CanDecrypt() {
		return secrets.ErrNoPrivateKey
	}

	estates, err := st.Estates().List(ctx)
	if err != nil {
		return err
	}
	groups := map[string]map[string]string{tokenGroup: {}}
	for _, e := range estates {
		if e.EncryptedToken != "" {
			groups[tokenGroup][e.ID] = e.EncryptedToken
		}
		vars, err := st.Estates().ListEnv(ctx, e.ID)
		if err != nil {
			return err
		}
		if len(vars) == 0 {
			continue
		}
		groups[e.ID] = make(map[string]string, len(vars))
		for _, v := range vars {
			groups[e.ID][v.Key] = v.Value
		}
	}

	result, err := svc.Rotate(groups)
	if err != nil {
		return err
	}
	if len(result.Failed) > 0 {
		for _, group := range sortedKeys(result.Failed) {
			for _, key := range sortedKeys(result.Failed[group]) {
				_, _ = fmt.Fprintf(out, "cannot decrypt %s/%s: %s\n", group, key, result.Failed[group][key])
			}
		}
		return fmt.Errorf("%d groups hold values that do not decrypt, nothing written", len(result.Failed))
	}
	if dryRun {
		_, err = fmt.Fprintf(out, "all values under %s decrypt\n", svc.PublicKey())
		return err
	}

	err = st.WithTx(ctx, func(tx store.Store) error {
		for id, token := range result.Rotated[tokenGroup] {
			if err := tx.Estates().SetToken(ctx, id, token); err != nil {
				return fmt.Errorf("estate %s token: %w", id, err)
			}
		}
		for group, values := range result.Rotated {
			if group == tokenGroup {
				continue
			}
			for key, value := range values {
				if err := tx.Estates().SetEnv(ctx, &models.EnvVar{EstateID: group, Key: key, Value: value}); err != nil {
					return fmt.Errorf("estate %s env %s: %w", group, key, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing rotated values: %w", err)
	}

	_, err = fmt.Fprintf(out, "SOPS_AGE_PUBLIC_KEY=%s\nSOPS_AGE_PRIVATE_KEY=%s\n", result.PublicKey, result.PrivateKey)
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
