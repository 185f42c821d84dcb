package config

import (
	"time"

	"apitracker/src/util"
)

type CredentialsConfig struct {
	Username string      `koanf:"username" validate:"omitempty,min=1,max=64"`
	Password util.Secret `koanf:"password" validate:"omitempty,min=1,max=64"`
}

type ServerConfig struct {
	Host string `koanf:"host" validate:"required,hostname|ip"`
	Port uint16 `koanf:"port" validate:"required,port"`
}

type PostgreSQLConfig struct {
	CredentialsConfig `koanf:",squash"`
	Host              string   `koanf:"host" validate:"required,hostname|ip"`
	Port              uint16   `koanf:"port" validate:"required,port"`
	DBName            string   `koanf:"dbname" validate:"required,min=1,max=64"`
	ReadReplicas      []string `koanf:"read_replicas" validate:"omitempty,max=10,unique,hostport_list"`
}

// RedisConfig describes the shared KV store. When Sentinel addresses are set
// the writer connects through Sentinel; when a replica address is set the
// reader uses it, otherwise the reader falls back to the primary.
type RedisConfig struct {
	CredentialsConfig `koanf:",squash"`
	Primary           string   `koanf:"primary" validate:"required,hostname_port"`
	Replica           string   `koanf:"replica" validate:"omitempty,hostname_port"`
	SentinelAddrs     []string `koanf:"sentinel_addrs" validate:"omitempty,max=10,unique,hostport_list"`
	SentinelMaster    string   `koanf:"sentinel_master" validate:"required_with=SentinelAddrs,omitempty,min=1,max=64"`
}

type AuthConfig struct {
	JWTSecret     util.Secret   `koanf:"jwt_secret" validate:"required,min=32,max=512"`
	JWTTTL        time.Duration `koanf:"jwt_ttl" default:"24h" validate:"min=60000000000,max=604800000000000"` // 1min to 7d
	EncryptionKey util.Secret   `koanf:"encryption_key" validate:"required,len=64,hexkey"`
}

type RateLimitConfig struct {
	DefaultCeiling int           `koanf:"default_ceiling" default:"1000" validate:"min=1,max=1000000"`
	Window         time.Duration `koanf:"window" default:"1h" validate:"min=1000000000,max=86400000000000"` // 1s to 24h
}

type CacheConfig struct {
	Version          string        `koanf:"version" default:"v1" validate:"required,min=1,max=16"`
	DailyUsageTTL    time.Duration `koanf:"daily_usage_ttl" default:"1h" validate:"min=1000000000,max=86400000000000"`
	TopCallersTTL    time.Duration `koanf:"top_callers_ttl" default:"1h" validate:"min=1000000000,max=86400000000000"`
	HitTracking      bool          `koanf:"hit_tracking" default:"true"`
	PrewarmOnStartup bool          `koanf:"prewarm_on_startup" default:"true"`
	PrewarmCron      bool          `koanf:"prewarm_cron" default:"true"`
}

type IngestionConfig struct {
	BatchSize     int           `koanf:"batch_size" default:"100" validate:"min=1,max=10000"`
	BatchInterval time.Duration `koanf:"batch_interval" default:"5s" validate:"min=100000000,max=300000000000"` // 100ms to 5min
	RetentionDays int           `koanf:"retention_days" default:"90" validate:"min=1,max=3650"`
}

type LoggingConfig struct {
	RootLevel     string            `koanf:"root_level" default:"info" validate:"required,oneof=trace debug info warn error fatal panic disabled"`
	LiteralLevels map[string]string `koanf:"literal_levels" validate:"max=100,dive,keys,required,min=1,max=100,endkeys,required,oneof=trace debug info warn error fatal panic disabled"`
	RegexLevels   map[string]string `koanf:"regex_levels" validate:"max=100,dive,keys,required,min=1,max=100,endkeys,required,oneof=trace debug info warn error fatal panic disabled"`
	PrettyPrint   bool              `koanf:"pretty_print"`
}

type ApplicationConfig struct {
	Name         string
	InstanceName string
	Version      string
}

type Config struct {
	Application ApplicationConfig `koanf:"application"`
	Server      ServerConfig      `koanf:"server" validate:"required"`
	PostgreSQL  PostgreSQLConfig  `koanf:"postgresql" validate:"required"`
	Redis       RedisConfig       `koanf:"redis" validate:"required"`
	Auth        AuthConfig        `koanf:"auth" validate:"required"`
	RateLimit   RateLimitConfig   `koanf:"rate_limit" validate:"required"`
	Cache       CacheConfig       `koanf:"cache" validate:"required"`
	Ingestion   IngestionConfig   `koanf:"ingestion" validate:"required"`
	Logging     LoggingConfig     `koanf:"logging" validate:"required"`
}
