package backup

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// StorageConfig holds the configuration of every storage backend. A backend is
// registered only when its section is present and enabled.
type StorageConfig struct {
	Local   *LocalConfig   `yaml:"local" mapstructure:"local"`
	S3      *S3Config      `yaml:"s3" mapstructure:"s3"`
	Minio   *MinioConfig   `yaml:"minio" mapstructure:"minio"`
	GCS     *GCSConfig     `yaml:"gcs" mapstructure:"gcs"`
	Azure   *AzureConfig   `yaml:"azure" mapstructure:"azure"`
	Glacier *GlacierConfig `yaml:"glacier" mapstructure:"glacier"`
}

// LocalConfig configures the local disk backend.
type LocalConfig struct {
	BasePath    string      `yaml:"base_path" mapstructure:"base_path"`
	Permissions os.FileMode `yaml:"permissions" mapstructure:"permissions"`
}

// S3Config configures the AWS S3 hot object store.
type S3Config struct {
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	Region    string `yaml:"region" mapstructure:"region"`
	Prefix    string `yaml:"prefix" mapstructure:"prefix"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	PartSize  int64  `yaml:"part_size" mapstructure:"part_size"`
}

// MinioConfig configures an S3-compatible object store reached through minio-go.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	Prefix    string `yaml:"prefix" mapstructure:"prefix"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	Region    string `yaml:"region" mapstructure:"region"`
	UseSSL    bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
}

// GCSConfig configures the Google Cloud Storage backend.
type GCSConfig struct {
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix" mapstructure:"prefix"`
	CredentialsPath string `yaml:"credentials_path" mapstructure:"credentials_path"`
	ProjectID       string `yaml:"project_id" mapstructure:"project_id"`
}

// AzureConfig configures the Azure Blob Storage backend.
type AzureConfig struct {
	AccountName   string `yaml:"account_name" mapstructure:"account_name"`
	AccountKey    string `yaml:"account_key" mapstructure:"account_key"`
	ContainerName string `yaml:"container_name" mapstructure:"container_name"`
	Prefix        string `yaml:"prefix" mapstructure:"prefix"`
	BlockSize     int64  `yaml:"block_size" mapstructure:"block_size"`
	Parallelism   uint16 `yaml:"parallelism" mapstructure:"parallelism"`
}

// GlacierConfig configures the cold archive tier. Objects are written to S3 with the
// GLACIER storage class and must be restored before they can be read.
type GlacierConfig struct {
	Bucket       string        `yaml:"bucket" mapstructure:"bucket"`
	Region       string        `yaml:"region" mapstructure:"region"`
	Prefix       string        `yaml:"prefix" mapstructure:"prefix"`
	AccessKey    string        `yaml:"access_key" mapstructure:"access_key"`
	SecretKey    string        `yaml:"secret_key" mapstructure:"secret_key"`
	StorageClass string        `yaml:"storage_class" mapstructure:"storage_class"`
	RestoreTier  string        `yaml:"restore_tier" mapstructure:"restore_tier"`
	RestoreDays  int32         `yaml:"restore_days" mapstructure:"restore_days"`
	PollHint     time.Duration `yaml:"poll_hint" mapstructure:"poll_hint"`
	// PartSize is the multipart chunk size in bytes; 0 uses the uploader default.
	PartSize int64 `yaml:"part_size" mapstructure:"part_size"`
}

// SetDefaults sets default values for every configured backend
func (sc *StorageConfig) SetDefaults() {
	if sc.Local == nil {
		sc.Local = &LocalConfig{}
	}
	sc.Local.SetDefaults()
	if sc.S3 != nil {
		sc.S3.SetDefaults()
	}
	if sc.Minio != nil {
		sc.Minio.SetDefaults()
	}
	if sc.GCS != nil {
		sc.GCS.SetDefaults()
	}
	if sc.Azure != nil {
		sc.Azure.SetDefaults()
	}
	if sc.Glacier != nil {
		sc.Glacier.SetDefaults()
	}
}

// LoadFromEnvironment overlays cloud credentials from environment variables
func (sc *StorageConfig) LoadFromEnvironment() {
	if sc.S3 != nil {
		envOverride(&sc.S3.AccessKey, "BACKUP_ORCHESTRATOR_S3_ACCESS_KEY")
		envOverride(&sc.S3.SecretKey, "BACKUP_ORCHESTRATOR_S3_SECRET_KEY")
	}
	if sc.Minio != nil {
		envOverride(&sc.Minio.AccessKey, "BACKUP_ORCHESTRATOR_MINIO_ACCESS_KEY")
		envOverride(&sc.Minio.SecretKey, "BACKUP_ORCHESTRATOR_MINIO_SECRET_KEY")
	}
	if sc.GCS != nil {
		envOverride(&sc.GCS.CredentialsPath, "BACKUP_ORCHESTRATOR_GCS_CREDENTIALS_PATH")
	}
	if sc.Azure != nil {
		envOverride(&sc.Azure.AccountKey, "BACKUP_ORCHESTRATOR_AZURE_ACCOUNT_KEY")
	}
	if sc.Glacier != nil {
		envOverride(&sc.Glacier.AccessKey, "BACKUP_ORCHESTRATOR_GLACIER_ACCESS_KEY")
		envOverride(&sc.Glacier.SecretKey, "BACKUP_ORCHESTRATOR_GLACIER_SECRET_KEY")
	}
}

func envOverride(field *string, name string) {
	if val := os.Getenv(name); val != "" {
		*field = val
	}
}

// Validate validates every configured backend
func (sc *StorageConfig) Validate() error {
	var errors ValidationErrors

	check := func(name string, err error) {
		if err != nil {
			errors.Add(name, err.Error(), nil)
		}
	}

	if sc.Local != nil {
		check("storage.local", sc.Local.Validate())
	}
	if sc.S3 != nil {
		check("storage.s3", sc.S3.Validate())
	}
	if sc.Minio != nil {
		check("storage.minio", sc.Minio.Validate())
	}
	if sc.GCS != nil {
		check("storage.gcs", sc.GCS.Validate())
	}
	if sc.Azure != nil {
		check("storage.azure", sc.Azure.Validate())
	}
	if sc.Glacier != nil {
		check("storage.glacier", sc.Glacier.Validate())
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

func (lc *LocalConfig) SetDefaults() {
	if lc.BasePath == "" {
		lc.BasePath = "./backups"
	}
	if lc.Permissions == 0 {
		lc.Permissions = 0750
	}
}

func (lc *LocalConfig) Validate() error {
	if strings.TrimSpace(lc.BasePath) == "" {
		return fmt.Errorf("base_path is required")
	}
	return nil
}

func (s3c *S3Config) SetDefaults() {
	if s3c.Region == "" {
		s3c.Region = "us-east-1"
	}
	if s3c.Prefix == "" {
		s3c.Prefix = "backups/"
	}
}

func (s3c *S3Config) Validate() error {
	if s3c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if (s3c.AccessKey == "") != (s3c.SecretKey == "") {
		return fmt.Errorf("access_key and secret_key must be set together")
	}
	return nil
}

func (mc *MinioConfig) SetDefaults() {
	if mc.Prefix == "" {
		mc.Prefix = "backups/"
	}
}

func (mc *MinioConfig) Validate() error {
	if mc.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if mc.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	return nil
}

func (gc *GCSConfig) SetDefaults() {
	if gc.CredentialsPath == "" {
		gc.CredentialsPath = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
	if gc.Prefix == "" {
		gc.Prefix = "backups/"
	}
}

func (gc *GCSConfig) Validate() error {
	if gc.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	return nil
}

func (ac *AzureConfig) SetDefaults() {
	if ac.Prefix == "" {
		ac.Prefix = "backups/"
	}
	if ac.BlockSize == 0 {
		ac.BlockSize = 4 * 1024 * 1024
	}
	if ac.Parallelism == 0 {
		ac.Parallelism = 4
	}
}

func (ac *AzureConfig) Validate() error {
	if ac.AccountName == "" || ac.AccountKey == "" {
		return fmt.Errorf("account_name and account_key are required")
	}
	if ac.ContainerName == "" {
		return fmt.Errorf("container_name is required")
	}
	return nil
}

func (gc *GlacierConfig) SetDefaults() {
	if gc.Region == "" {
		gc.Region = "us-east-1"
	}
	if gc.Prefix == "" {
		gc.Prefix = "archive/"
	}
	if gc.StorageClass == "" {
		gc.StorageClass = "GLACIER"
	}
	if gc.RestoreTier == "" {
		gc.RestoreTier = "Standard"
	}
	if gc.RestoreDays == 0 {
		gc.RestoreDays = 3
	}
}

func (gc *GlacierConfig) Validate() error {
	if gc.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	switch gc.RestoreTier {
	case "Standard", "Bulk", "Expedited":
	default:
		return fmt.Errorf("unsupported restore_tier %q", gc.RestoreTier)
	}
	if gc.PartSize != 0 && gc.PartSize < 5*1024*1024 {
		return fmt.Errorf("part_size must be at least 5MiB, got %d", gc.PartSize)
	}
	return nil
}
