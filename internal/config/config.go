package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "PLANT"

const (
	EnvDev  = "dev"
	EnvProd = "prod"
	EnvTest = "test"
)

type Config struct {
	Host            string           `mapstructure:"host"`
	Port            int              `mapstructure:"port"`
	Environment     string           `mapstructure:"environment"`
	ModelsDir       string           `mapstructure:"models_dir"`
	MaxUploadBytes  int64            `mapstructure:"max_upload_bytes"`
	ShutdownTimeout time.Duration    `mapstructure:"shutdown_timeout"`
	Model           ModelConfig      `mapstructure:"model"`
	Preprocess      PreprocessConfig `mapstructure:"preprocess"`
	S3              S3Config         `mapstructure:"s3"`
	Split           SplitConfig      `mapstructure:"split"`
}

type ModelConfig struct {
	Primary        string `mapstructure:"primary"`
	Fallback       string `mapstructure:"fallback"`
	ClassIndex     string `mapstructure:"class_index"`
	InputName      string `mapstructure:"input_name"`
	OutputName     string `mapstructure:"output_name"`
	OnnxRuntimeLib string `mapstructure:"onnxruntime_lib"`
}

type PreprocessConfig struct {
	ImageSize     int    `mapstructure:"image_size"`
	Normalization string `mapstructure:"normalization"`
	MaxPixels     int64  `mapstructure:"max_pixels"`
}

// S3Config points at a bucket holding the model artifacts. Sync is skipped
// when Bucket is empty.
type S3Config struct {
	Bucket      string `mapstructure:"bucket"`
	Prefix      string `mapstructure:"prefix"`
	Region      string `mapstructure:"region"`
	EndpointUrl string `mapstructure:"endpoint_url"`
	AccessKey   string `mapstructure:"access_key"`
	SecretKey   string `mapstructure:"secret_key"`
}

type SplitConfig struct {
	Source   string  `mapstructure:"source"`
	Output   string  `mapstructure:"output"`
	ValRatio float64 `mapstructure:"val_ratio"`
	Seed     int64   `mapstructure:"seed"`
	Workers  int     `mapstructure:"workers"`
}

func (c *S3Config) Enabled() bool {
	return c.Bucket != ""
}

// SetDefaults registers every key so AutomaticEnv can resolve it during
// Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("environment", EnvDev)
	v.SetDefault("models_dir", "models")
	v.SetDefault("max_upload_bytes", 10<<20)
	v.SetDefault("shutdown_timeout", 3*time.Second)

	v.SetDefault("model.primary", "plant_model_best.onnx")
	v.SetDefault("model.fallback", "plant_model.onnx")
	v.SetDefault("model.class_index", "class_indices.json")
	v.SetDefault("model.input_name", "")
	v.SetDefault("model.output_name", "")
	v.SetDefault("model.onnxruntime_lib", "")

	v.SetDefault("preprocess.image_size", 224)
	v.SetDefault("preprocess.normalization", "efficientnet")
	v.SetDefault("preprocess.max_pixels", 89478485)

	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.prefix", "")
	v.SetDefault("s3.region", "auto")
	v.SetDefault("s3.endpoint_url", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")

	v.SetDefault("split.source", "data/MangoLeafBD Dataset")
	v.SetDefault("split.output", "data/mango_split")
	v.SetDefault("split.val_ratio", 0.2)
	v.SetDefault("split.seed", 42)
	v.SetDefault("split.workers", runtime.NumCPU())
}

// Load reads the optional env file and config file named by the env_file and
// config_file keys, then unmarshals and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(`.`, `_`, `-`, `_`))
	v.AutomaticEnv()

	if err := loadEnvFile(v.GetString("env_file")); err != nil {
		return nil, err
	}

	if configFile := v.GetString("config_file"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.ModelsDir == "" {
		errs = append(errs, errors.New("models_dir must be set"))
	}
	if c.Model.Primary == "" {
		errs = append(errs, errors.New("model.primary must be set"))
	}
	if c.Model.ClassIndex == "" {
		errs = append(errs, errors.New("model.class_index must be set"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("invalid max_upload_bytes %d", c.MaxUploadBytes))
	}
	if c.Preprocess.ImageSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid preprocess.image_size %d", c.Preprocess.ImageSize))
	}
	if c.Preprocess.MaxPixels <= 0 {
		errs = append(errs, fmt.Errorf("invalid preprocess.max_pixels %d", c.Preprocess.MaxPixels))
	}
	if c.Split.ValRatio <= 0 || c.Split.ValRatio >= 1 {
		errs = append(errs, fmt.Errorf("split.val_ratio must be in (0, 1), got %v", c.Split.ValRatio))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// loadEnvFile loads path, or ./.env when path is empty. A missing default
// .env is not an error.
func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
		return nil
	}

	if _, err := os.Stat(".env"); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat .env file: %w", err)
	}

	if err := godotenv.Load(); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}
