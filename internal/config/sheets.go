package config

import (
	"os"

	"github.com/Veraticus/derma-loop/internal/tracking"
	"github.com/spf13/viper"
)

// LoadSheetsConfig loads Google Sheets tracking configuration.
// It follows this precedence:
// 1. Viper configuration (from config file or DERMA_ env vars)
// 2. Direct environment variables (GOOGLE_SHEETS_*)
// 3. Default values
func LoadSheetsConfig(v *viper.Viper) (*tracking.SheetsConfig, error) {
	config := tracking.DefaultSheetsConfig()

	if s := v.GetString("tracking.sheets.service_account_path"); s != "" {
		config.ServiceAccountPath = ExpandPath(s)
	}
	if s := v.GetString("tracking.sheets.client_id"); s != "" {
		config.ClientID = s
	}
	if s := v.GetString("tracking.sheets.client_secret"); s != "" {
		config.ClientSecret = s
	}
	if s := v.GetString("tracking.sheets.refresh_token"); s != "" {
		config.RefreshToken = s
	}
	if s := v.GetString("tracking.sheets.token_file"); s != "" {
		config.TokenFile = ExpandPath(s)
	}
	if s := v.GetString("tracking.sheets.spreadsheet_id"); s != "" {
		config.SpreadsheetID = s
	}
	if s := v.GetString("tracking.sheets.sheet_name"); s != "" {
		config.SheetName = s
	}

	if config.ServiceAccountPath == "" {
		if s := os.Getenv("GOOGLE_SHEETS_SERVICE_ACCOUNT_PATH"); s != "" {
			config.ServiceAccountPath = ExpandPath(s)
		}
	}
	if config.ClientID == "" {
		config.ClientID = os.Getenv("GOOGLE_SHEETS_CLIENT_ID")
	}
	if config.ClientSecret == "" {
		config.ClientSecret = os.Getenv("GOOGLE_SHEETS_CLIENT_SECRET")
	}
	if config.RefreshToken == "" {
		config.RefreshToken = os.Getenv("GOOGLE_SHEETS_REFRESH_TOKEN")
	}
	if config.SpreadsheetID == "" {
		config.SpreadsheetID = os.Getenv("GOOGLE_SHEETS_SPREADSHEET_ID")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}
