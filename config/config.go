package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	WorkerCommand       string        `mapstructure:"WORKER_COMMAND"`
	DefaultTimeout      time.Duration `mapstructure:"DEFAULT_TIMEOUT"`
	MobileTimeout       time.Duration `mapstructure:"MOBILE_TIMEOUT"`
	UrgentTimeout       time.Duration `mapstructure:"URGENT_TIMEOUT"`
	EmergencyTimeout    time.Duration `mapstructure:"EMERGENCY_TIMEOUT"`
	RetryTimeout        time.Duration `mapstructure:"RETRY_TIMEOUT"`
	MinFileSize         int64         `mapstructure:"MIN_FILE_SIZE"`
	MaxFileSize         int64         `mapstructure:"MAX_FILE_SIZE"`
	MaxConcurrency      int           `mapstructure:"MAX_CONCURRENCY"`
	ThrottleCPU         float64       `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem     int64         `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk    int64         `mapstructure:"THROTTLE_FREEDISK"`
	FlagSourceURL       string        `mapstructure:"FLAG_SOURCE_URL"`
	FlagRefreshInterval time.Duration `mapstructure:"FLAG_REFRESH_INTERVAL"`
	TelemetryDB         string        `mapstructure:"TELEMETRY_DB"`
	WorkDir             string        `mapstructure:"WORK_DIR"`
	StaleJobAge         time.Duration `mapstructure:"STALE_JOB_AGE"`
	AuthEnable          bool          `mapstructure:"AUTH_ENABLE"`
	AuthKey             string        `mapstructure:"AUTH_KEY"`
	Port                string        `mapstructure:"PORT"`
}

// stringToDurationHookFunc parses Go duration strings from config values.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc parses human-readable size strings ("2GB")
// into int64 byte counts.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a size string, let other parsers handle it.
			return data, nil
		}
		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	// Defaults are strings where the decode hooks parse them.
	vp.SetDefault("WORKER_COMMAND", "medworker --input ${INPUT}")
	vp.SetDefault("DEFAULT_TIMEOUT", "120s")
	vp.SetDefault("MOBILE_TIMEOUT", "45s")
	vp.SetDefault("URGENT_TIMEOUT", "30s")
	vp.SetDefault("EMERGENCY_TIMEOUT", "15s")
	vp.SetDefault("RETRY_TIMEOUT", "60s")
	vp.SetDefault("MIN_FILE_SIZE", "1MB")
	vp.SetDefault("MAX_FILE_SIZE", "2GB")
	vp.SetDefault("MAX_CONCURRENCY", 2)
	vp.SetDefault("THROTTLE_CPU", 20.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "500MB")
	vp.SetDefault("FLAG_SOURCE_URL", "")
	vp.SetDefault("FLAG_REFRESH_INTERVAL", "5m")
	vp.SetDefault("TELEMETRY_DB", "")
	vp.SetDefault("WORK_DIR", "")
	vp.SetDefault("STALE_JOB_AGE", "30m")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "")
	vp.SetDefault("PORT", "8080")

	vp.SetConfigName("medcompress_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/medcompress/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("MEDCOMPRESS")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
