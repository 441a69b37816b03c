package server

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ssm"
	"gopkg.in/yaml.v2"
)

// ssmPrefix marks a config path as an SSM Parameter Store parameter name
const ssmPrefix = "ssm:"

// Storage and registry backend names accepted in the config
const (
	StorageFS = "fs"
	StorageS3 = "s3"

	RegistrySQLite     = "sqlite"
	RegistryMemory     = "memory"
	RegistryDynamoDB   = "dynamodb"
	RegistryDocumentDB = "documentdb"
)

// Config represents the server configuration
type Config struct {
	Server struct {
		HTTPPort        int `yaml:"http_port" json:"http_port"`
		GRPCPort        int `yaml:"grpc_port" json:"grpc_port"`
		ShutdownTimeout int `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	} `yaml:"server" json:"server"`
	Ingest struct {
		MaxUploadBytes       int64    `yaml:"max_upload_bytes" json:"max_upload_bytes"`
		MaxDescriptionLength int      `yaml:"max_description_length" json:"max_description_length"`
		AllowedContentTypes  []string `yaml:"allowed_content_types" json:"allowed_content_types"`
		CompensationAttempts int      `yaml:"compensation_attempts" json:"compensation_attempts"`
	} `yaml:"ingest" json:"ingest"`
	AWS struct {
		Region   string `yaml:"region" json:"region"`
		Endpoint string `yaml:"endpoint" json:"endpoint"`
	} `yaml:"aws" json:"aws"`
	Storage struct {
		Backend string `yaml:"backend" json:"backend"`
		FS      struct {
			Root string `yaml:"root" json:"root"`
		} `yaml:"fs" json:"fs"`
		S3 struct {
			BucketName string `yaml:"bucket_name" json:"bucket_name"`
			KeyPrefix  string `yaml:"key_prefix" json:"key_prefix"`
		} `yaml:"s3" json:"s3"`
	} `yaml:"storage" json:"storage"`
	Registry struct {
		Backend string `yaml:"backend" json:"backend"`
		SQLite  struct {
			Path           string `yaml:"path" json:"path"`
			MaxConnections int    `yaml:"max_connections" json:"max_connections"`
		} `yaml:"sqlite" json:"sqlite"`
		DynamoDB struct {
			RecordsTable  string `yaml:"records_table" json:"records_table"`
			CountersTable string `yaml:"counters_table" json:"counters_table"`
			IndexName     string `yaml:"index_name" json:"index_name"`
		} `yaml:"dynamodb" json:"dynamodb"`
		DocumentDB struct {
			ConnectionString  string `yaml:"connection_string" json:"connection_string"`
			PasswordSecretArn string `yaml:"password_secret_arn" json:"password_secret_arn"`
			DatabaseName      string `yaml:"database_name" json:"database_name"`
			CAFile            string `yaml:"ca_file" json:"ca_file"`
		} `yaml:"documentdb" json:"documentdb"`
	} `yaml:"registry" json:"registry"`
	Cache struct {
		Address string `yaml:"address" json:"address"`
		TTL     int    `yaml:"ttl" json:"ttl"`
	} `yaml:"cache" json:"cache"`
	Log struct {
		Level  string `yaml:"level" json:"level"`
		Format string `yaml:"format" json:"format"`
	} `yaml:"log" json:"log"`
}

// LoadConfig loads the configuration from a YAML file, or from a JSON
// parameter in Parameter Store when path starts with "ssm:"
func LoadConfig(path string) (*Config, error) {
	var (
		config *Config
		err    error
	)
	if name, ok := strings.CutPrefix(path, ssmPrefix); ok {
		config, err = loadConfigFromParameterStore(name)
	} else {
		config, err = loadConfigFromFile(path)
	}
	if err != nil {
		return nil, err
	}

	applyDefaults(config)
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// loadConfigFromFile loads the configuration from a YAML file
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}
	return &config, nil
}

// loadConfigFromParameterStore loads the configuration from AWS Parameter Store
func loadConfigFromParameterStore(name string) (*Config, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %v", err)
	}

	param, err := ssm.New(sess).GetParameter(&ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get parameter from Parameter Store: %v", err)
	}
	if param.Parameter == nil || param.Parameter.Value == nil {
		return nil, fmt.Errorf("parameter %s has no value", name)
	}

	var config Config
	if err := json.Unmarshal([]byte(*param.Parameter.Value), &config); err != nil {
		return nil, fmt.Errorf("failed to parse parameter value as JSON: %v", err)
	}
	return &config, nil
}

// applyDefaults sets default values for the configuration
func applyDefaults(config *Config) {
	if config.Server.HTTPPort == 0 {
		config.Server.HTTPPort = 8080
	}
	if config.Server.GRPCPort == 0 {
		config.Server.GRPCPort = 8081
	}
	if config.Server.ShutdownTimeout == 0 {
		config.Server.ShutdownTimeout = 15
	}

	if config.Ingest.MaxUploadBytes == 0 {
		config.Ingest.MaxUploadBytes = 32 << 20
	}
	if config.Ingest.MaxDescriptionLength == 0 {
		config.Ingest.MaxDescriptionLength = 255
	}
	if config.Ingest.CompensationAttempts == 0 {
		config.Ingest.CompensationAttempts = 3
	}

	if config.AWS.Region == "" {
		config.AWS.Region = "us-west-2"
	}

	if config.Storage.Backend == "" {
		config.Storage.Backend = StorageFS
	}
	if config.Storage.FS.Root == "" {
		config.Storage.FS.Root = "data"
	}
	if config.Storage.S3.KeyPrefix == "" {
		config.Storage.S3.KeyPrefix = "documents/"
	}
	// The bucket name has no default, it depends on the account

	if config.Registry.Backend == "" {
		config.Registry.Backend = RegistrySQLite
	}
	if config.Registry.SQLite.Path == "" {
		config.Registry.SQLite.Path = "data/uploads.db"
	}
	if config.Registry.DynamoDB.RecordsTable == "" {
		config.Registry.DynamoDB.RecordsTable = "filedrop-uploads"
	}
	if config.Registry.DynamoDB.CountersTable == "" {
		config.Registry.DynamoDB.CountersTable = "filedrop-counters"
	}
	if config.Registry.DynamoDB.IndexName == "" {
		config.Registry.DynamoDB.IndexName = "created-index"
	}
	if config.Registry.DocumentDB.DatabaseName == "" {
		config.Registry.DocumentDB.DatabaseName = "filedrop"
	}
	// The DocumentDB connection string has no default, it requires the
	// cluster endpoint

	if config.Cache.TTL == 0 {
		config.Cache.TTL = 3600
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "text"
	}
}

// validate rejects configurations NewServer cannot build
func (c *Config) validate() error {
	switch c.Storage.Backend {
	case StorageFS:
	case StorageS3:
		if c.Storage.S3.BucketName == "" {
			return fmt.Errorf("storage.s3.bucket_name is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Registry.Backend {
	case RegistrySQLite, RegistryMemory, RegistryDynamoDB:
	case RegistryDocumentDB:
		if c.Registry.DocumentDB.ConnectionString == "" {
			return fmt.Errorf("registry.documentdb.connection_string is required for the documentdb backend")
		}
	default:
		return fmt.Errorf("unknown registry backend %q", c.Registry.Backend)
	}

	if c.Ingest.MaxUploadBytes < 0 {
		return fmt.Errorf("ingest.max_upload_bytes must not be negative")
	}
	return nil
}

// IngestPolicy returns the ingest limits described by the config
func (c *Config) IngestPolicy() IngestPolicy {
	return IngestPolicy{
		MaxUploadBytes:       c.Ingest.MaxUploadBytes,
		MaxDescriptionLength: c.Ingest.MaxDescriptionLength,
		AllowedContentTypes:  c.Ingest.AllowedContentTypes,
		CompensationAttempts: c.Ingest.CompensationAttempts,
	}
}

// ShutdownTimeout returns how long Stop waits for in-flight requests
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeout) * time.Second
}
