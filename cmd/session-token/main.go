// Command session-token manages the platform session tokens kept in the
// session_tokens table, which the service reads when SESSION_TOKEN_STORE=db.
//
// Tokens are sealed with AES-256-GCM when ENCRYPTION_KEY is set and stored
// as plaintext otherwise. "reseal" rewrites every row with the current key,
// upgrading plaintext rows.
//
// Usage:
//
//	session-token set <token|-> [--name NAME] [--expires 24h]
//	session-token show [--name NAME] [--reveal]
//	session-token clear [--name NAME]
//	session-token reseal
//
// Environment Variables:
//
//	DB_DSN: Database connection string (or --dsn)
//	ENCRYPTION_KEY: Base64-encoded 32-byte key (optional)
//	SESSION_TOKEN_NAME: Default row name (default "default")
package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/onnwee/roomwatch/config"
	"github.com/onnwee/roomwatch/db"
)

func main() {
	_ = godotenv.Load(".env")
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := newRootCmd(openDB).Execute(); err != nil {
		os.Exit(1)
	}
}

// openFunc opens and migrates the database behind dsn.
type openFunc func(ctx context.Context, dsn string) (*sql.DB, error)

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	database, err := db.Connect(dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, database); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return database, nil
}

type app struct {
	open     openFunc
	dsn      string
	name     string
	database *sql.DB
}

func newRootCmd(open openFunc) *cobra.Command {
	a := &app{open: open}
	root := &cobra.Command{
		Use:           "session-token",
		Short:         "Manage stored platform session tokens",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.dsn == "" {
				return errors.New("database DSN required (--dsn or DB_DSN)")
			}
			if a.name == "" {
				return errors.New("token name must not be empty")
			}
			database, err := a.open(cmd.Context(), a.dsn)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			a.database = database
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.database != nil {
				return a.database.Close()
			}
			return nil
		},
	}

	defaultName := os.Getenv("SESSION_TOKEN_NAME")
	if defaultName == "" {
		defaultName = config.DefaultTokenName
	}
	root.PersistentFlags().StringVar(&a.dsn, "dsn", os.Getenv("DB_DSN"), "Postgres connection string")
	root.PersistentFlags().StringVar(&a.name, "name", defaultName, "session_tokens row name")

	root.AddCommand(a.setCmd(), a.showCmd(), a.clearCmd(), a.resealCmd())
	return root
}

func (a *app) setCmd() *cobra.Command {
	var expires time.Duration
	cmd := &cobra.Command{
		Use:   "set <token|->",
		Short: "Store a session token; \"-\" reads it from stdin",
		Args: cobra.MatchAll(cobra.ExactArgs(1), func(cmd *cobra.Command, args []string) error {
			if expires < 0 {
				return fmt.Errorf("--expires must not be negative, got %s", expires)
			}
			return nil
		}),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			var exp time.Time
			if expires > 0 {
				exp = time.Now().Add(expires)
			}
			if err := db.UpsertSessionToken(cmd.Context(), a.database, a.name, token, exp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s (%s)\n", a.name, maskToken(token))
			return nil
		},
	}
	cmd.Flags().DurationVar(&expires, "expires", 0, "expiry relative to now (0 = never)")
	return cmd
}

func (a *app) showCmd() *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the stored token's metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := db.GetSessionToken(cmd.Context(), a.database, a.name)
			if err != nil {
				return err
			}
			if st.Token == "" {
				return fmt.Errorf("no token stored under %q", a.name)
			}
			tok := maskToken(st.Token)
			if reveal {
				tok = st.Token
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "name:       %s\n", st.Name)
			fmt.Fprintf(out, "token:      %s\n", tok)
			fmt.Fprintf(out, "encryption: %s\n", describeEncryption(st))
			fmt.Fprintf(out, "expires:    %s\n", describeExpiry(st.ExpiresAt, time.Now()))
			if !st.UpdatedAt.IsZero() {
				fmt.Fprintf(out, "updated:    %s\n", st.UpdatedAt.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print the full token")
	return cmd
}

func (a *app) clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := db.DeleteSessionToken(cmd.Context(), a.database, a.name)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "nothing stored under %s\n", a.name)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", a.name)
			return nil
		},
	}
}

func (a *app) resealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reseal",
		Short: "Rewrite every stored token with the current ENCRYPTION_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := db.ResealSessionTokens(cmd.Context(), a.database)
			if err != nil {
				return err
			}
			slog.Info("reseal complete", slog.Int("tokens", n), slog.Bool("encrypted", os.Getenv("ENCRYPTION_KEY") != ""))
			fmt.Fprintf(cmd.OutOrStdout(), "resealed %d token(s)\n", n)
			return nil
		},
	}
}

// readToken returns arg, or the first line of in when arg is "-".
func readToken(arg string, in io.Reader) (string, error) {
	tok := arg
	if arg == "-" {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read token from stdin: %w", err)
		}
		tok = line
	}
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return "", errors.New("token is empty")
	}
	return tok, nil
}

func maskToken(tok string) string {
	if len(tok) <= 8 {
		return strings.Repeat("*", len(tok))
	}
	return tok[:4] + strings.Repeat("*", len(tok)-8) + tok[len(tok)-4:]
}

func describeEncryption(st db.StoredToken) string {
	switch st.EncryptionVersion {
	case db.EncryptionNone:
		return "plaintext"
	case db.EncryptionAESGCM:
		return "aes-256-gcm key=" + st.KeyID
	default:
		return fmt.Sprintf("unknown version %d", st.EncryptionVersion)
	}
}

func describeExpiry(exp, now time.Time) string {
	switch {
	case exp.IsZero():
		return "never"
	case !exp.After(now):
		return exp.UTC().Format(time.RFC3339) + " (expired)"
	default:
		return exp.UTC().Format(time.RFC3339) + " (in " + exp.Sub(now).Round(time.Second).String() + ")"
	}
}
