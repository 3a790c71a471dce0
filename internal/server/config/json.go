package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/chunkvault/chunkvault/internal/flagx"
	"github.com/chunkvault/chunkvault/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON
// unmarshalling. It uses timex.Duration for interval fields, which allows
// parsing both string values such as "30m" and integer nanoseconds.
//
// This struct is an intermediate DTO used only for reading JSON
// configuration files. After unmarshalling, its fields are copied into the
// runtime Config struct which uses time.Duration.
type JsonConfig struct {
	EndpointAddr    string         `json:"endpoint_addr"`
	DatabaseDSN     string         `json:"database_dsn"`
	SecretKey       string         `json:"secret_key"`
	KeysDir         string         `json:"keys_dir"`
	CredCacheTTL    timex.Duration `json:"cred_cache_ttl"`
	MinChunkSize    int64          `json:"min_chunk_size"`
	MaxChunkSize    int64          `json:"max_chunk_size"`
	StorageBackend  string         `json:"storage_backend"`
	S3RootUser      string         `json:"s3_root_user"`
	S3RootPassword  string         `json:"s3_root_password"`
	S3Bucket        string         `json:"s3_bucket"`
	S3Region        string         `json:"s3_region"`
	S3BaseEndpoint  string         `json:"s3_base_endpoint"`
	LocalStorageDir string         `json:"local_storage_dir"`
	WebhookURL      string         `json:"webhook_url"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance.
//
// The file path comes from the -c or -config command-line flags; when
// neither is set, no JSON file is loaded. If the file cannot be read or
// contains invalid JSON, the function panics. A loaded file is treated as a
// complete configuration and replaces the defaults wholesale.
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

	config.EndpointAddr = c.EndpointAddr
	config.DatabaseDSN = c.DatabaseDSN
	config.SecretKey = c.SecretKey
	config.KeysDir = c.KeysDir
	config.CredCacheTTL = time.Duration(c.CredCacheTTL.Duration)
	config.MinChunkSize = c.MinChunkSize
	config.MaxChunkSize = c.MaxChunkSize
	config.StorageBackend = c.StorageBackend
	config.S3RootUser = c.S3RootUser
	config.S3RootPassword = c.S3RootPassword
	config.S3Bucket = c.S3Bucket
	config.S3Region = c.S3Region
	config.S3BaseEndpoint = c.S3BaseEndpoint
	config.LocalStorageDir = c.LocalStorageDir
	config.WebhookURL = c.WebhookURL
}
