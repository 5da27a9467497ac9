package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Build     BuildConfig     `yaml:"build" mapstructure:"build"`
	Paths     PathsConfig     `yaml:"paths" mapstructure:"paths"`
	Wikidata  WikidataConfig  `yaml:"wikidata" mapstructure:"wikidata"`
	Glottolog GlottologConfig `yaml:"glottolog" mapstructure:"glottolog"`
	ISO       ISOConfig       `yaml:"iso" mapstructure:"iso"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// BuildConfig controls batch orchestration.
type BuildConfig struct {
	Scripts         string  `yaml:"scripts" mapstructure:"scripts"`
	BatchSize       int     `yaml:"batch_size" mapstructure:"batch_size"`
	Limit           int     `yaml:"limit" mapstructure:"limit"`
	MaxBatchSeconds int     `yaml:"max_batch_seconds" mapstructure:"max_batch_seconds"`
	PauseSecs       float64 `yaml:"pause_secs" mapstructure:"pause_secs"`
	SkipGeo         bool    `yaml:"skip_geo" mapstructure:"skip_geo"`
	SimpleGeo       bool    `yaml:"simple_geo" mapstructure:"simple_geo"`
}

// PathsConfig locates inputs and outputs on disk.
type PathsConfig struct {
	Output        string `yaml:"output" mapstructure:"output"`
	Progress      string `yaml:"progress" mapstructure:"progress"`
	Skipped       string `yaml:"skipped" mapstructure:"skipped"`
	SkipTrigger   string `yaml:"skip_trigger" mapstructure:"skip_trigger"`
	SkipList      string `yaml:"skip_list" mapstructure:"skip_list"`
	SupportedText string `yaml:"supported_text" mapstructure:"supported_text"`
	SupportedJSON string `yaml:"supported_json" mapstructure:"supported_json"`
	SupportedCmd  string `yaml:"supported_cmd" mapstructure:"supported_cmd"`
	ScriptTable   string `yaml:"script_table" mapstructure:"script_table"`
}

// WikidataConfig holds SPARQL endpoint settings.
type WikidataConfig struct {
	Endpoint               string  `yaml:"endpoint" mapstructure:"endpoint"`
	UserAgent              string  `yaml:"user_agent" mapstructure:"user_agent"`
	CoreTimeoutSecs        int     `yaml:"core_timeout_secs" mapstructure:"core_timeout_secs"`
	CoreMaxAttempts        int     `yaml:"core_max_attempts" mapstructure:"core_max_attempts"`
	GeoTimeoutSecs         int     `yaml:"geo_timeout_secs" mapstructure:"geo_timeout_secs"`
	GeoMaxAttempts         int     `yaml:"geo_max_attempts" mapstructure:"geo_max_attempts"`
	GeoSingleTimeoutSecs   int     `yaml:"geo_single_timeout_secs" mapstructure:"geo_single_timeout_secs"`
	GeoSingleMaxAttempts   int     `yaml:"geo_single_max_attempts" mapstructure:"geo_single_max_attempts"`
	GeoChunkSize           int     `yaml:"geo_chunk_size" mapstructure:"geo_chunk_size"`
	GeoChunkPauseSecs      float64 `yaml:"geo_chunk_pause_secs" mapstructure:"geo_chunk_pause_secs"`
	GeoFallbackConcurrency int     `yaml:"geo_fallback_concurrency" mapstructure:"geo_fallback_concurrency"`
}

// GlottologConfig holds classification lookup settings.
type GlottologConfig struct {
	BaseURL          string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	PaceMillis       int    `yaml:"pace_millis" mapstructure:"pace_millis"`
	FailureThreshold int    `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CooldownSecs     int    `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
}

// ISOConfig locates the ISO 639-3 registry files.
type ISOConfig struct {
	Dir          string `yaml:"dir" mapstructure:"dir"`
	CodesURL     string `yaml:"codes_url" mapstructure:"codes_url"`
	NameIndexURL string `yaml:"name_index_url" mapstructure:"name_index_url"`
}

// CacheConfig selects the response cache backend.
type CacheConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"` // file, sqlite, memory
	Dir    string `yaml:"dir" mapstructure:"dir"`
	Path   string `yaml:"path" mapstructure:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LANGMETA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("build.scripts", "Deva")
	v.SetDefault("build.batch_size", 25)
	v.SetDefault("build.limit", 0)
	v.SetDefault("build.max_batch_seconds", 120)
	v.SetDefault("build.pause_secs", 0.5)
	v.SetDefault("build.skip_geo", false)
	v.SetDefault("build.simple_geo", false)
	v.SetDefault("paths.output", "data/languages.json")
	v.SetDefault("paths.progress", "data/progress.json")
	v.SetDefault("paths.skipped", "data/skipped.json")
	v.SetDefault("paths.skip_trigger", "data/skip.now")
	v.SetDefault("paths.skip_list", "")
	v.SetDefault("paths.supported_text", "sources/supported_langs.txt")
	v.SetDefault("paths.supported_json", "sources/supported_langs.json")
	v.SetDefault("paths.supported_cmd", "")
	v.SetDefault("paths.script_table", "")
	v.SetDefault("wikidata.endpoint", "https://query.wikidata.org/sparql")
	v.SetDefault("wikidata.user_agent", "langmeta/1.0 (language metadata builder)")
	v.SetDefault("wikidata.core_timeout_secs", 90)
	v.SetDefault("wikidata.core_max_attempts", 4)
	v.SetDefault("wikidata.geo_timeout_secs", 90)
	v.SetDefault("wikidata.geo_max_attempts", 3)
	v.SetDefault("wikidata.geo_single_timeout_secs", 60)
	v.SetDefault("wikidata.geo_single_max_attempts", 2)
	v.SetDefault("wikidata.geo_chunk_size", 6)
	v.SetDefault("wikidata.geo_chunk_pause_secs", 0.8)
	v.SetDefault("wikidata.geo_fallback_concurrency", 1)
	v.SetDefault("glottolog.base_url", "https://glottolog.org")
	v.SetDefault("glottolog.timeout_secs", 30)
	v.SetDefault("glottolog.pace_millis", 50)
	v.SetDefault("glottolog.failure_threshold", 10)
	v.SetDefault("glottolog.cooldown_secs", 60)
	v.SetDefault("iso.dir", "sources/iso")
	v.SetDefault("iso.codes_url", "https://iso639-3.sil.org/sites/iso639-3/files/downloads/iso-639-3.tab")
	v.SetDefault("iso.name_index_url", "https://iso639-3.sil.org/sites/iso639-3/files/downloads/iso-639-3_Name_Index.tab")
	v.SetDefault("cache.driver", "file")
	v.SetDefault("cache.dir", "data/cache")
	v.SetDefault("cache.path", "data/cache.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the values a build run depends on and reports every
// problem at once.
func (c *Config) Validate() error {
	var problems []string

	if c.Build.BatchSize < 1 {
		problems = append(problems, "build.batch_size must be >= 1")
	}
	if c.Build.Limit < 0 {
		problems = append(problems, "build.limit must be >= 0")
	}
	if c.Build.MaxBatchSeconds < 1 {
		problems = append(problems, "build.max_batch_seconds must be >= 1")
	}
	if c.Paths.Output == "" {
		problems = append(problems, "paths.output is required")
	}
	if c.Wikidata.Endpoint == "" {
		problems = append(problems, "wikidata.endpoint is required")
	}
	if c.Wikidata.GeoChunkSize < 1 {
		problems = append(problems, "wikidata.geo_chunk_size must be >= 1")
	}
	if c.Glottolog.BaseURL == "" {
		problems = append(problems, "glottolog.base_url is required")
	}
	switch c.Cache.Driver {
	case "file", "sqlite", "memory":
	default:
		problems = append(problems, "cache.driver must be one of file, sqlite, memory")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
