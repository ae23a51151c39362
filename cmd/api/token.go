package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/storyrelay/backend/internal/auth"
	"github.com/storyrelay/backend/internal/config"
)

var (
	tokenUser   string
	tokenEmail  string
	tokenExpiry time.Duration
	tokenGoogle bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development access token",
	Long: `Mint an access token signed with JWT_SECRET. Production tokens come from
the identity provider; this is for local testing.

With --google, sign in with Google in the browser instead and print the
Google ID token, which the server accepts when GOOGLE_CLIENT_IDS is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if tokenGoogle {
			return googleToken(cmd, cfg)
		}
		if cfg.IsProduction() {
			return fmt.Errorf("refusing to mint tokens in production")
		}

		userID := uuid.New()
		if tokenUser != "" {
			if userID, err = uuid.Parse(tokenUser); err != nil {
				return fmt.Errorf("invalid --user: %w", err)
			}
		}
		expiry := cfg.JWT.AccessExpiry
		if tokenExpiry > 0 {
			expiry = tokenExpiry
		}

		token, err := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Issuer, expiry).GenerateAccessToken(userID, tokenEmail)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user UUID (random if empty)")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "email claim")
	tokenCmd.Flags().DurationVar(&tokenExpiry, "expiry", 0, "token lifetime (default JWT_ACCESS_EXPIRY)")
	tokenCmd.Flags().BoolVar(&tokenGoogle, "google", false, "sign in with Google and print the ID token")
}

func googleToken(cmd *cobra.Command, cfg *config.Config) error {
	conf, err := googleOAuthConfig(cfg.Google)
	if err != nil {
		return err
	}
	idToken, err := loginWithGoogle(cmd.Context(), conf, func(url string) error {
		_, err := fmt.Fprintf(cmd.ErrOrStderr(), "Open this URL to sign in:\n\n  %s\n\n", url)
		return err
	})
	if err != nil {
		return err
	}

	claims, err := auth.NewGoogleTokenValidator(cfg.Google.ClientIDs).ValidateAccessToken(idToken)
	if err != nil {
		return fmt.Errorf("google returned an unusable ID token: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Signed in as %s (user %s)\n", claims.Email, claims.UserID)
	fmt.Fprintln(cmd.OutOrStdout(), idToken)
	return nil
}
