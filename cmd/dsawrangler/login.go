package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"dsawrangler/internal/config"
	"dsawrangler/internal/infra/logx"
	"dsawrangler/internal/ui"
)

var (
	loginURL   string
	loginUser  string
	loginPlain bool
)

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVar(&loginURL, "url", "", "DSA API base url, e.g. https://dsa.example.org/api/v1")
	loginCmd.Flags().StringVar(&loginUser, "user", "", "DSA username")
	loginCmd.Flags().BoolVar(&loginPlain, "plain", false, "use DSA_PASSWORD instead of the interactive prompt")
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate against the DSA server and store the token",
	Long: `Exchange username and password for a Girder token and write it to the
rc file. The password itself is never stored.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if loginURL != "" {
			cfg.APIURL = strings.TrimRight(loginURL, "/")
		}
		if loginUser != "" {
			cfg.Username = loginUser
		}
		if err := requireServer(); err != nil {
			return err
		}
		client := dsaClient(nil)
		auth := func(user, pass string) (string, error) {
			return client.Authenticate(ctx, user, pass)
		}

		var token string
		var err error
		if loginPlain || cfg.Password != "" {
			if cfg.Username == "" || cfg.Password == "" {
				return fmt.Errorf("plain login needs %s and %s", config.KeyUsername, config.KeyPassword)
			}
			token, err = auth(cfg.Username, cfg.Password)
		} else {
			token, err = ui.RunLogin(cfg.APIURL, cfg.Username, auth)
		}
		if err != nil {
			return err
		}
		cfg.Token = token
		logx.RegisterSecret(token)

		if me, err := whoAmI(ctx); err == nil {
			cfg.Username = me
		}
		if err := config.Save(rcPath, cfg); err != nil {
			return err
		}
		fmt.Printf("✅ Logged in to %s as %s (token saved to %s)\n", cfg.APIURL, cfg.Username, rcPath)
		return nil
	},
}

func whoAmI(ctx context.Context) (string, error) {
	me, err := dsaClient(nil).Me(ctx)
	if err != nil {
		logx.Warn("token check failed", logx.F{"err": err})
		return "", err
	}
	return me.Login, nil
}
