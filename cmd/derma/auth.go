package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/Veraticus/derma-loop/internal/cli"
	"github.com/Veraticus/derma-loop/internal/config"
	"github.com/Veraticus/derma-loop/internal/tracking"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func authCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authenticate with external services",
	}
	cmd.AddCommand(authSheetsCmd())
	return cmd
}

func authSheetsCmd() *cobra.Command {
	var (
		clientID     string
		clientSecret string
		listenAddr   string
	)

	cmd := &cobra.Command{
		Use:   "sheets",
		Short: "Authenticate the Google Sheets run tracker",
		Long: `Authenticate with Google Sheets using OAuth2.

The token is written to tracking.sheets.token_file and the refresh token is
stored in the config file so "derma retrain" can log runs to the sheet.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sheetsConfig, err := config.LoadSheetsConfig(viper.GetViper())
			if err != nil {
				return err
			}
			if clientID != "" {
				sheetsConfig.ClientID = clientID
			}
			if clientSecret != "" {
				sheetsConfig.ClientSecret = clientSecret
			}
			if sheetsConfig.TokenFile == "" {
				sheetsConfig.TokenFile = filepath.Join(configDir(), "sheets-token.json")
			}

			out := cmd.OutOrStdout()
			flow := tracking.AuthFlow{
				ClientID:     sheetsConfig.ClientID,
				ClientSecret: sheetsConfig.ClientSecret,
				TokenFile:    sheetsConfig.TokenFile,
				ListenAddr:   listenAddr,
				OnURL: func(authURL string) {
					fmt.Fprintln(out, cli.FormatInfo("Opening your browser to authenticate with Google"))
					fmt.Fprintf(out, "  If it does not open, visit:\n  %s\n", authURL)
					openBrowser(authURL)
				},
			}

			token, err := flow.Authenticate(cmd.Context())
			if err != nil {
				return fmt.Errorf("authentication failed: %w", err)
			}

			viper.Set("tracking.sheets.refresh_token", token.RefreshToken)
			viper.Set("tracking.sheets.token_file", sheetsConfig.TokenFile)
			if err := saveConfig(); err != nil {
				slog.Warn("failed to update config file", "error", err)
				fmt.Fprintln(out, cli.FormatWarning("Could not save the refresh token, add it to config.yaml manually:"))
				fmt.Fprintf(out, "tracking:\n  sheets:\n    refresh_token: %q\n", token.RefreshToken)
				return nil
			}

			fmt.Fprintln(out, cli.FormatSuccess("Google Sheets tracking is authenticated"))
			return nil
		},
	}

	cmd.Flags().StringVar(&clientID, "client-id", "", "OAuth2 client id (overrides config)")
	cmd.Flags().StringVar(&clientSecret, "client-secret", "", "OAuth2 client secret (overrides config)")
	cmd.Flags().StringVar(&listenAddr, "listen", "localhost:8080", "address for the OAuth callback")
	return cmd
}

func configDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".", ".derma")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "derma")
}

func saveConfig() error {
	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = filepath.Join(configDir(), "config.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(configFile), 0750); err != nil {
		return err
	}
	return viper.WriteConfigAs(configFile)
}

// openBrowser tries to open url in the default browser.
func openBrowser(url string) {
	var err error
	switch runtime.GOOS {
	case "linux":
		err = exec.Command("xdg-open", url).Start() // #nosec G204
	case "windows":
		err = exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start() // #nosec G204
	case "darwin":
		err = exec.Command("open", url).Start() // #nosec G204
	}
	if err != nil {
		slog.Debug("failed to open browser", "error", err)
	}
}
