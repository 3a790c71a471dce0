package config

import (
	"flag"
	"os"
	"time"

	"github.com/chunkvault/chunkvault/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-d string   PostgreSQL DSN
//	-s string   JWT HMAC secret key
//	-k string   keypair directory
//	-t int      backup credential cache TTL, minutes
//	-n int      minimum chunk size, bytes
//	-m int      maximum chunk size, bytes
//	-o string   primary storage backend kind ("s3", "local", "webhook")
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//	-l string   local backend chunk directory
//	-w string   messaging-platform webhook URL
//
// Notes:
//   - The function first filters os.Args to only the flags it recognizes using
//     flagx.FilterArgs, avoiding collisions with other components.
//   - The TTL flag is accepted as an integer in minutes and then converted
//     to a time.Duration value.
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-s", "-k", "-t", "-n", "-m", "-o", "-u", "-p", "-b", "-g", "-e", "-l", "-w"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddr, "a", config.EndpointAddr, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.StringVar(&config.KeysDir, "k", config.KeysDir, "envelope keypair directory")

	credCacheTTL := fs.Int("t", int(config.CredCacheTTL.Minutes()), "cred_cache_ttl (in minutes)")

	fs.Int64Var(&config.MinChunkSize, "n", config.MinChunkSize, "minimum chunk size (bytes)")
	fs.Int64Var(&config.MaxChunkSize, "m", config.MaxChunkSize, "maximum chunk size (bytes)")
	fs.StringVar(&config.StorageBackend, "o", config.StorageBackend, "primary storage backend kind")

	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 root bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 root region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	fs.StringVar(&config.LocalStorageDir, "l", config.LocalStorageDir, "local backend chunk directory")
	fs.StringVar(&config.WebhookURL, "w", config.WebhookURL, "messaging-platform webhook URL")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.CredCacheTTL = time.Duration(*credCacheTTL) * time.Minute
}
