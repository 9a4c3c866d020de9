package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/broadcast"
)

// TokenOptions holds flags for the token command
type TokenOptions struct {
	*RootOptions
	Subject string
	TTL     time.Duration
}

// NewTokenCommand creates the token command
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a feed token",
		Long: `Mint a bearer token for the event feed and the operator routes, signed
with JWT_SECRET.

Example:
  auctioneer token --subject solver-1 --ttl 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			secret := os.Getenv("JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("JWT_SECRET is required")
			}

			now := time.Now()
			token, err := broadcast.NewJWTAuthenticator(secret, TokenIssuer).Mint(opts.Subject, opts.TTL, now)
			if err != nil {
				return err
			}
			out := map[string]string{
				"subject":    opts.Subject,
				"token":      token,
				"expires_at": now.Add(opts.TTL).UTC().Format(time.RFC3339),
			}
			return writeOutput(cmd.OutOrStdout(), opts.Format, out, token+"\n")
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "subject", "", "token subject, the solver or operator name (required)")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}
