package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"backup-orchestrator/internal/backup"
	"backup-orchestrator/internal/governance"
	"backup-orchestrator/internal/logging"
	"backup-orchestrator/internal/notify"
	"backup-orchestrator/internal/schedule"
	"backup-orchestrator/internal/store"
	"backup-orchestrator/internal/vault"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. BACKUP_ORCHESTRATOR_VAULT_PASSPHRASE.
const EnvPrefix = "BACKUP_ORCHESTRATOR"

// Config is the complete engine configuration.
type Config struct {
	Database      store.Config                              `yaml:"database" mapstructure:"database"`
	Staging       StagingConfig                             `yaml:"staging" mapstructure:"staging"`
	Sources       map[string]backup.SourceConfig            `yaml:"sources" mapstructure:"sources"`
	Environments  map[string]map[string]backup.SourceConfig `yaml:"environments" mapstructure:"environments"`
	Storage       backup.StorageConfig                      `yaml:"storage" mapstructure:"storage"`
	Compression   CompressionConfig                         `yaml:"compression" mapstructure:"compression"`
	Backups       BackupsConfig                             `yaml:"backups" mapstructure:"backups"`
	Vault         vault.Config                              `yaml:"vault" mapstructure:"vault"`
	Governance    governance.Config                         `yaml:"governance" mapstructure:"governance"`
	Restore       RestoreConfig                             `yaml:"restore" mapstructure:"restore"`
	Scheduler     SchedulerConfig                           `yaml:"scheduler" mapstructure:"scheduler"`
	Notifications notify.Config                             `yaml:"notifications" mapstructure:"notifications"`
	Metrics       MetricsConfig                             `yaml:"metrics" mapstructure:"metrics"`
	Logging       LoggingConfig                             `yaml:"logging" mapstructure:"logging"`
}

// StagingConfig locates the scratch space used while artifacts are transformed.
type StagingConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// CompressionConfig selects the deployment-wide compression algorithm.
type CompressionConfig struct {
	Algorithm string `yaml:"algorithm" mapstructure:"algorithm"`
	Level     int    `yaml:"level" mapstructure:"level"`
}

// BackupsConfig controls how in-flight backups are claimed across processes.
type BackupsConfig struct {
	// HeartbeatInterval is how often a running backup refreshes its row.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	// StaleAfter is how long without a heartbeat before a backup counts as abandoned.
	StaleAfter time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
}

// RestoreConfig holds restore timing.
type RestoreConfig struct {
	RollbackWindow        time.Duration `yaml:"rollback_window" mapstructure:"rollback_window"`
	RetrievalPollInterval time.Duration `yaml:"retrieval_poll_interval" mapstructure:"retrieval_poll_interval"`
	RetrievalTimeout      time.Duration `yaml:"retrieval_timeout" mapstructure:"retrieval_timeout"`
}

// SchedulerConfig extends the scheduler tunables with serve-time housekeeping.
type SchedulerConfig struct {
	schedule.Config `yaml:",inline" mapstructure:",squash"`
	// VaultPurgeInterval is how often expired temporary keys are removed while serving.
	VaultPurgeInterval time.Duration `yaml:"vault_purge_interval" mapstructure:"vault_purge_interval"`
}

// MetricsConfig controls the prometheus endpoint started by serve.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Address string `yaml:"address" mapstructure:"address"`
	// HealthCheckInterval is how often serve checks every configured storage backend.
	HealthCheckInterval time.Duration `yaml:"health_check_interval" mapstructure:"health_check_interval"`
}

// LoggingConfig controls the operational log and the audit trail.
type LoggingConfig struct {
	Level     string `yaml:"level" mapstructure:"level"`
	Format    string `yaml:"format" mapstructure:"format"`
	File      string `yaml:"file" mapstructure:"file"`
	AuditFile string `yaml:"audit_file" mapstructure:"audit_file"`
}

// SetDefaults fills every unset value
func (c *Config) SetDefaults() {
	c.Database.SetDefaults()
	c.Staging.SetDefaults()
	c.Storage.SetDefaults()
	c.Compression.SetDefaults()
	c.Backups.SetDefaults()
	c.Vault.SetDefaults()
	c.Governance.SetDefaults()
	c.Restore.SetDefaults()
	c.Scheduler.SetDefaults()
	c.Notifications.SetDefaults()
	c.Metrics.SetDefaults()
	c.Logging.SetDefaults()

	if c.Sources == nil {
		c.Sources = make(map[string]backup.SourceConfig)
	}
	for name, source := range c.Sources {
		if source.Name == "" {
			source.Name = name
			c.Sources[name] = source
		}
	}
	for env, targets := range c.Environments {
		for name, target := range targets {
			if target.Name == "" {
				target.Name = name
				c.Environments[env][name] = target
			}
		}
	}
}

// LoadFromEnvironment overlays secrets that are commonly injected through the environment.
func (c *Config) LoadFromEnvironment() {
	c.Storage.LoadFromEnvironment()
	if val := os.Getenv(EnvPrefix + "_VAULT_PASSPHRASE"); val != "" {
		c.Vault.Passphrase = val
	}
	if val := os.Getenv(EnvPrefix + "_VAULT_MASTER_KEY"); val != "" {
		c.Vault.MasterKey = val
	}
	if val := os.Getenv(EnvPrefix + "_GOVERNANCE_SECRET"); val != "" {
		c.Governance.Secret = val
	}
}

// Validate checks every section and reports all failures at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}

	check("staging", c.Staging.Validate())
	check("storage", c.Storage.Validate())
	check("compression", c.Compression.Validate())
	check("backups", c.Backups.Validate())
	check("vault", c.Vault.Validate())
	check("governance", c.Governance.Validate())
	check("restore", c.Restore.Validate())
	check("scheduler", c.Scheduler.Validate())
	check("notifications", c.Notifications.Validate())
	check("metrics", c.Metrics.Validate())
	check("logging", c.Logging.Validate())
	check("sources", c.validateCatalog())

	if len(errs) > 0 {
		return backup.NewConfigurationError("invalid configuration", errors.Join(errs...))
	}
	return nil
}

func (c *Config) validateCatalog() error {
	// the catalog constructor performs the per-entry checks
	_, err := backup.NewStaticCatalog(c.Sources, c.Environments)
	return err
}

// ManagerConfig projects the settings the backup manager needs.
func (c *Config) ManagerConfig() backup.ManagerConfig {
	compression, _ := ParseCompression(c.Compression.Algorithm)
	return backup.ManagerConfig{
		StagingDir:            c.Staging.Dir,
		Compression:           compression,
		CompressionLevel:      c.Compression.Level,
		RollbackWindow:        c.Restore.RollbackWindow,
		RetrievalPollInterval: c.Restore.RetrievalPollInterval,
		RetrievalTimeout:      c.Restore.RetrievalTimeout,
		HeartbeatInterval:     c.Backups.HeartbeatInterval,
		StaleAfter:            c.Backups.StaleAfter,
	}
}

// LoggerConfig converts the logging section into a logger configuration.
func (c *Config) LoggerConfig() (logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:   level,
		Format:  c.Logging.Format,
		LogFile: c.Logging.File,
	}, nil
}

func (s *StagingConfig) SetDefaults() {
	if s.Dir == "" {
		s.Dir = filepath.Join(os.TempDir(), "backup-orchestrator")
	}
}

func (s *StagingConfig) Validate() error {
	if strings.TrimSpace(s.Dir) == "" {
		return fmt.Errorf("staging directory is required")
	}
	return nil
}

func (cc *CompressionConfig) SetDefaults() {
	if cc.Algorithm == "" {
		cc.Algorithm = "gzip"
	}
}

func (cc *CompressionConfig) Validate() error {
	algorithm, err := ParseCompression(cc.Algorithm)
	if err != nil {
		return err
	}
	switch algorithm {
	case backup.CompressionTypeGzip:
		if cc.Level < -1 || cc.Level > 9 {
			return fmt.Errorf("gzip level must be between -1 and 9, got %d", cc.Level)
		}
	case backup.CompressionTypeZstd:
		if cc.Level < 0 || cc.Level > 22 {
			return fmt.Errorf("zstd level must be between 0 and 22, got %d", cc.Level)
		}
	case backup.CompressionTypeLZ4:
		if cc.Level < 0 || cc.Level > 9 {
			return fmt.Errorf("lz4 level must be between 0 and 9, got %d", cc.Level)
		}
	}
	return nil
}

// ParseCompression maps a configured algorithm name to its compression type.
func ParseCompression(name string) (backup.CompressionType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "gzip", "":
		return backup.CompressionTypeGzip, nil
	case "lz4":
		return backup.CompressionTypeLZ4, nil
	case "zstd":
		return backup.CompressionTypeZstd, nil
	case "none":
		return backup.CompressionTypeNone, nil
	default:
		return "", fmt.Errorf("unsupported compression algorithm %q (gzip, lz4, zstd, none)", name)
	}
}

func (bc *BackupsConfig) SetDefaults() {
	if bc.HeartbeatInterval == 0 {
		bc.HeartbeatInterval = backup.DefaultHeartbeatInterval
	}
	if bc.StaleAfter == 0 {
		bc.StaleAfter = backup.DefaultStaleAfter
	}
}

func (bc *BackupsConfig) Validate() error {
	if bc.HeartbeatInterval <= 0 || bc.StaleAfter <= 0 {
		return fmt.Errorf("heartbeat_interval and stale_after must be positive")
	}
	if bc.StaleAfter <= bc.HeartbeatInterval {
		return fmt.Errorf("stale_after (%s) must exceed heartbeat_interval (%s)", bc.StaleAfter, bc.HeartbeatInterval)
	}
	return nil
}

func (rc *RestoreConfig) SetDefaults() {
	if rc.RollbackWindow == 0 {
		rc.RollbackWindow = backup.DefaultRollbackWindow
	}
	if rc.RetrievalPollInterval == 0 {
		rc.RetrievalPollInterval = backup.DefaultRetrievalPollInterval
	}
	if rc.RetrievalTimeout == 0 {
		rc.RetrievalTimeout = backup.DefaultRetrievalTimeout
	}
}

func (rc *RestoreConfig) Validate() error {
	if rc.RollbackWindow < 0 {
		return fmt.Errorf("rollback_window must not be negative")
	}
	if rc.RetrievalPollInterval <= 0 || rc.RetrievalTimeout <= 0 {
		return fmt.Errorf("retrieval poll interval and timeout must be positive")
	}
	if rc.RetrievalPollInterval > rc.RetrievalTimeout {
		return fmt.Errorf("retrieval_poll_interval (%s) exceeds retrieval_timeout (%s)", rc.RetrievalPollInterval, rc.RetrievalTimeout)
	}
	return nil
}

func (sc *SchedulerConfig) SetDefaults() {
	sc.Config.SetDefaults()
	if sc.VaultPurgeInterval == 0 {
		sc.VaultPurgeInterval = time.Hour
	}
}

func (sc *SchedulerConfig) Validate() error {
	if sc.MaxConcurrentRuns > 64 {
		return fmt.Errorf("max_concurrent_runs must not exceed 64, got %d", sc.MaxConcurrentRuns)
	}
	if sc.VaultPurgeInterval < time.Minute {
		return fmt.Errorf("vault_purge_interval must be at least 1m")
	}
	return nil
}

func (mc *MetricsConfig) SetDefaults() {
	if mc.Address == "" {
		mc.Address = ":9090"
	}
	if mc.HealthCheckInterval == 0 {
		mc.HealthCheckInterval = 5 * time.Minute
	}
}

func (mc *MetricsConfig) Validate() error {
	if mc.Enabled && !strings.Contains(mc.Address, ":") {
		return fmt.Errorf("metrics address %q must be host:port", mc.Address)
	}
	if mc.HealthCheckInterval < 10*time.Second {
		return fmt.Errorf("health_check_interval must be at least 10s")
	}
	return nil
}

func (lc *LoggingConfig) SetDefaults() {
	if lc.Level == "" {
		lc.Level = string(logging.LogLevelNormal)
	}
	if lc.Format == "" {
		lc.Format = "text"
	}
}

func (lc *LoggingConfig) Validate() error {
	if _, err := logging.ParseLevel(lc.Level); err != nil {
		return err
	}
	if lc.Format != "text" && lc.Format != "json" {
		return fmt.Errorf("log format must be text or json, got %q", lc.Format)
	}
	return nil
}

// SetViperDefaults registers defaults for every scalar key, which also makes those
// keys visible to AutomaticEnv.
func SetViperDefaults(v *viper.Viper) {
	defaults := Default()
	v.SetDefault("database.path", defaults.Database.Path)
	v.SetDefault("database.log_sql", false)
	v.SetDefault("staging.dir", defaults.Staging.Dir)
	v.SetDefault("compression.algorithm", defaults.Compression.Algorithm)
	v.SetDefault("compression.level", 0)
	v.SetDefault("backups.heartbeat_interval", defaults.Backups.HeartbeatInterval)
	v.SetDefault("backups.stale_after", defaults.Backups.StaleAfter)
	v.SetDefault("vault.master_key", "")
	v.SetDefault("vault.passphrase", "")
	v.SetDefault("vault.salt", defaults.Vault.Salt)
	v.SetDefault("vault.iterations", defaults.Vault.Iterations)
	v.SetDefault("governance.secret", "")
	v.SetDefault("governance.token_ttl", defaults.Governance.TokenTTL)
	v.SetDefault("restore.rollback_window", defaults.Restore.RollbackWindow)
	v.SetDefault("restore.retrieval_poll_interval", defaults.Restore.RetrievalPollInterval)
	v.SetDefault("restore.retrieval_timeout", defaults.Restore.RetrievalTimeout)
	v.SetDefault("scheduler.max_concurrent_runs", defaults.Scheduler.MaxConcurrentRuns)
	v.SetDefault("scheduler.vault_purge_interval", defaults.Scheduler.VaultPurgeInterval)
	v.SetDefault("notifications.enabled", false)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", defaults.Metrics.Address)
	v.SetDefault("metrics.health_check_interval", defaults.Metrics.HealthCheckInterval)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.audit_file", "")
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// ConfigureViper points v at the config file (or the default search path) and
// enables environment overrides.
func ConfigureViper(v *viper.Viper, configFile string) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(".backup-orchestrator")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetViperDefaults(v)
}

// FromViper reads the config file (when one is found), decodes it, applies
// environment overrides and defaults, and validates the result.
func FromViper(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, backup.NewConfigurationError("failed to read configuration file", err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, backup.NewConfigurationError("failed to decode configuration", err)
	}
	c.LoadFromEnvironment()
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load builds a configuration from configFile (or the default search path) and the environment.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	ConfigureViper(v, configFile)
	return FromViper(v)
}

// EnvironmentVariables lists the environment variables that override configuration keys.
func EnvironmentVariables() []string {
	v := viper.New()
	SetViperDefaults(v)
	vars := make([]string, 0, len(v.AllKeys())+8)
	for _, key := range v.AllKeys() {
		vars = append(vars, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	}
	vars = append(vars,
		EnvPrefix+"_S3_ACCESS_KEY",
		EnvPrefix+"_S3_SECRET_KEY",
		EnvPrefix+"_MINIO_ACCESS_KEY",
		EnvPrefix+"_MINIO_SECRET_KEY",
		EnvPrefix+"_GCS_CREDENTIALS_PATH",
		EnvPrefix+"_AZURE_ACCOUNT_KEY",
		EnvPrefix+"_GLACIER_ACCESS_KEY",
		EnvPrefix+"_GLACIER_SECRET_KEY",
	)
	sort.Strings(vars)
	return vars
}
