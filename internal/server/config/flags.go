package config

import (
	"flag"
	"os"
	"time"

	"github.com/sealdrop/sealdrop/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-u string   public base URL for outbound links
//	-d string   PostgreSQL DSN
//	-s string   JWT HMAC secret key
//	-t int      send token validity, minutes
//	-r int      read credential validity, seconds
//	-l string   ledger base URL
//	-g string   ledger protocol generation ("v1" or "v2")
//	-p string   ledger application token (generation v2 only)
//	-n string   notifier webhook URL
//
// Notes:
//   - The function first filters os.Args to only the flags it recognizes using
//     flagx.FilterArgs, avoiding collisions with other components.
//   - Duration flags are accepted as integers and converted to time.Duration.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-u", "-d", "-s", "-t", "-r", "-l", "-g", "-p", "-n"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrHTTP, "a", config.EndpointAddrHTTP, "address and port to run server")
	fs.StringVar(&config.PublicBaseURL, "u", config.PublicBaseURL, "public base URL")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")

	sendTokenValidity := fs.Int("t", int(config.SendTokenValidity.Minutes()), "send_token_validity (in minutes)")
	readCredentialValidity := fs.Int("r", int(config.ReadCredentialValidity.Seconds()), "read_credential_validity (in seconds)")

	fs.StringVar(&config.LedgerBaseURL, "l", config.LedgerBaseURL, "ledger base URL")
	fs.StringVar(&config.LedgerGeneration, "g", config.LedgerGeneration, "ledger protocol generation")
	fs.StringVar(&config.LedgerAppToken, "p", config.LedgerAppToken, "ledger application token")
	fs.StringVar(&config.NotifierWebhookURL, "n", config.NotifierWebhookURL, "notifier webhook URL")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.SendTokenValidity = time.Duration(*sendTokenValidity) * time.Minute
	config.ReadCredentialValidity = time.Duration(*readCredentialValidity) * time.Second
}
