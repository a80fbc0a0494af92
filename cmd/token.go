package cmd

import (
	"errors"
	"fmt"

	"worshiproom/config"
	"worshiproom/core/auth"

	"github.com/spf13/cobra"
)

var (
	tokenUser  string
	tokenName  string
	tokenAdmin bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development access token",
	Long:  `Signs a JWT with the configured secret so the API can be exercised without an identity provider.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenUser == "" {
			return errors.New("--user is required")
		}
		cfg := config.Load()
		id := auth.Identity{UserID: tokenUser, Username: tokenName}
		if id.Username == "" {
			id.Username = tokenUser
		}
		if tokenAdmin {
			id.Role = auth.RoleAdmin
		}

		token, err := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTLifetime).Issue(id)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id (token subject)")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name")
	tokenCmd.Flags().BoolVar(&tokenAdmin, "admin", false, "grant the global admin role")
	rootCmd.AddCommand(tokenCmd)
}
