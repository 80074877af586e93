package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/sealdrop/sealdrop/internal/flagx"
	"github.com/sealdrop/sealdrop/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON
// unmarshalling. It uses timex.Duration for interval fields, which allows
// parsing both string values such as "10m" and integer nanoseconds.
//
// This struct is an intermediate DTO used only for reading JSON configuration
// files. After unmarshalling, its fields are copied into the runtime Config
// struct which uses time.Duration.
type JsonConfig struct {
	EndpointAddrHTTP       string         `json:"endpoint_addr_http"`
	PublicBaseURL          string         `json:"public_base_url"`
	DatabaseDSN            string         `json:"database_dsn"`
	SecretKey              string         `json:"secret_key"`
	SendTokenValidity      timex.Duration `json:"send_token_validity"`
	ReadCredentialValidity timex.Duration `json:"read_credential_validity"`
	TokenRetention         timex.Duration `json:"token_retention"`
	SweepInterval          timex.Duration `json:"sweep_interval"`
	LedgerBaseURL          string         `json:"ledger_base_url"`
	LedgerGeneration       string         `json:"ledger_generation"`
	LedgerAppToken         string         `json:"ledger_app_token"`
	NotifierWebhookURL     string         `json:"notifier_webhook_url"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance.
//
// The file path is taken from the -c or -config command-line flags; if
// neither is set, no JSON file is loaded. If the file cannot be read or
// contains invalid JSON, the function panics.
//
// The caller is expected to merge these values with defaults and
// command-line flags as part of the full configuration process.
func parseJson(config *Config) {

	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	config.EndpointAddrHTTP = c.EndpointAddrHTTP
	config.PublicBaseURL = c.PublicBaseURL
	config.DatabaseDSN = c.DatabaseDSN
	config.SecretKey = c.SecretKey
	config.SendTokenValidity = time.Duration(c.SendTokenValidity.Duration)
	config.ReadCredentialValidity = time.Duration(c.ReadCredentialValidity.Duration)
	config.TokenRetention = time.Duration(c.TokenRetention.Duration)
	config.SweepInterval = time.Duration(c.SweepInterval.Duration)
	config.LedgerBaseURL = c.LedgerBaseURL
	config.LedgerGeneration = c.LedgerGeneration
	config.LedgerAppToken = c.LedgerAppToken
	config.NotifierWebhookURL = c.NotifierWebhookURL
}
