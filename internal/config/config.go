package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all Ghost Scribe environment variables.
const EnvPrefix = "GHOST_SCRIBE_"

const (
	BackendWhisperX = "whisperx"
	BackendOpenAI   = "openai"

	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"

	defaultConvertTimeout = 5 * time.Minute
)

// Diarization configures the speaker diarization step.
type Diarization struct {
	Enabled     bool   `yaml:"enabled"`
	Model       string `yaml:"model" validate:"required"`
	NumSpeakers int    `yaml:"num_speakers" validate:"gte=0"`
	MinSpeakers int    `yaml:"min_speakers" validate:"gte=0"`
	MaxSpeakers int    `yaml:"max_speakers" validate:"gte=0"`
}

// Config holds all application configuration. Secrets (access tokens) are
// loaded exclusively from environment variables and never appear in the
// config file.
type Config struct {
	Backend        string      `yaml:"backend" validate:"oneof=whisperx openai"`
	ModelSize      string      `yaml:"model_size" validate:"required"`
	Device         string      `yaml:"device" validate:"oneof=cpu cuda"`
	Language       string      `yaml:"language"`
	BatchSize      int         `yaml:"batch_size" validate:"gte=1"`
	PythonPath     string      `yaml:"python_path" validate:"required"`
	FFmpegPath     string      `yaml:"ffmpeg_path" validate:"required"`
	TempDir        string      `yaml:"temp_dir"`
	ConvertTimeout string      `yaml:"convert_timeout"`
	OpenAIModel    string      `yaml:"openai_model"`
	Diarization    Diarization `yaml:"diarization"`

	DBPath                string `yaml:"db_path"`
	ListenAddr            string `yaml:"listen_addr"`
	StaticDir             string `yaml:"static_dir"`
	GDriveFolderID        string `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`

	LogLevel  string `yaml:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=console json"`

	// Secrets come from env vars only and are never serialized to YAML.
	HuggingFaceToken string `yaml:"-"`
	OpenAIAPIKey     string `yaml:"-"`
}

func defaults() Config {
	return Config{
		Backend:        BackendWhisperX,
		ModelSize:      "base",
		Device:         DeviceCPU,
		BatchSize:      16,
		PythonPath:     "python3",
		FFmpegPath:     "ffmpeg",
		ConvertTimeout: "5m",
		OpenAIModel:    "whisper-1",
		Diarization: Diarization{
			Enabled: true,
			Model:   "pyannote/speaker-diarization-3.1",
		},
		ListenAddr:            ":8080",
		StaticDir:             "public",
		GoogleCredentialsFile: "./service-account.json",
		LogLevel:              "info",
		LogFormat:             "console",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any soft warnings, and an error if the file exists
// but cannot be read or parsed, or if a value is invalid.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	return cfg, cfg.Warnings(), nil
}

// LoadDotEnv loads KEY=value files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	var problems []string
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s: must satisfy %s %s (got %v)", fieldPath(fe.Namespace()), fe.Tag(), fe.Param(), fe.Value()))
		}
	}

	d := c.Diarization
	if d.MinSpeakers > 0 && d.MaxSpeakers > 0 && d.MinSpeakers > d.MaxSpeakers {
		problems = append(problems, fmt.Sprintf("diarization: min_speakers %d exceeds max_speakers %d", d.MinSpeakers, d.MaxSpeakers))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Warnings reports soft problems that degrade features without failing.
func (c *Config) Warnings() []string {
	var warnings []string

	if c.Diarization.Enabled && c.HuggingFaceToken == "" {
		warnings = append(warnings, "HUGGINGFACE_TOKEN not set \u2014 speaker diarization is skipped. Set "+EnvPrefix+"HUGGINGFACE_TOKEN or HUGGINGFACE_TOKEN.")
	}
	if c.Backend == BackendOpenAI && c.OpenAIAPIKey == "" {
		warnings = append(warnings, "OpenAI API key not configured \u2014 the openai backend will fail. Set "+EnvPrefix+"OPENAI_API_KEY or OPENAI_API_KEY.")
	}
	if _, err := time.ParseDuration(c.ConvertTimeout); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid convert_timeout %q \u2014 using default %s.", c.ConvertTimeout, defaultConvertTimeout))
	}

	return warnings
}

// ParsedConvertTimeout returns ConvertTimeout as a time.Duration, falling
// back to five minutes if the value is invalid or not positive.
func (c *Config) ParsedConvertTimeout() time.Duration {
	d, err := time.ParseDuration(c.ConvertTimeout)
	if err != nil || d <= 0 {
		return defaultConvertTimeout
	}
	return d
}

// ComputeType is the precision WhisperX runs at on the configured device.
func (c *Config) ComputeType() string {
	if c.Device == DeviceCPU {
		return "float32"
	}
	return "float16"
}

// DiarizationAvailable reports whether diarization is both enabled and
// has the credentials it needs.
func (c *Config) DiarizationAvailable() bool {
	return c.Diarization.Enabled && c.HuggingFaceToken != ""
}

func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(EnvPrefix + key)); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}

	setString("BACKEND", &cfg.Backend)
	setString("MODEL_SIZE", &cfg.ModelSize)
	setString("DEVICE", &cfg.Device)
	setString("LANGUAGE", &cfg.Language)
	setInt("BATCH_SIZE", &cfg.BatchSize)
	setString("PYTHON", &cfg.PythonPath)
	setString("FFMPEG", &cfg.FFmpegPath)
	setString("TEMP_DIR", &cfg.TempDir)
	setString("CONVERT_TIMEOUT", &cfg.ConvertTimeout)
	setString("OPENAI_MODEL", &cfg.OpenAIModel)
	setString("DIARIZATION_MODEL", &cfg.Diarization.Model)
	setInt("NUM_SPEAKERS", &cfg.Diarization.NumSpeakers)
	setInt("MIN_SPEAKERS", &cfg.Diarization.MinSpeakers)
	setInt("MAX_SPEAKERS", &cfg.Diarization.MaxSpeakers)
	setString("DB_PATH", &cfg.DBPath)
	setString("LISTEN_ADDR", &cfg.ListenAddr)
	setString("STATIC_DIR", &cfg.StaticDir)
	setString("GDRIVE_FOLDER_ID", &cfg.GDriveFolderID)
	setString("GOOGLE_CREDENTIALS_FILE", &cfg.GoogleCredentialsFile)
	setString("LOG_LEVEL", &cfg.LogLevel)
	setString("LOG_FORMAT", &cfg.LogFormat)

	if v := os.Getenv(EnvPrefix + "DIARIZATION"); v != "" {
		if enabled, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Diarization.Enabled = enabled
		}
	}
}

func loadSecrets(cfg *Config) {
	cfg.HuggingFaceToken = firstEnv(EnvPrefix+"HUGGINGFACE_TOKEN", "HUGGINGFACE_TOKEN", "HF_TOKEN")
	cfg.OpenAIAPIKey = firstEnv(EnvPrefix+"OPENAI_API_KEY", "OPENAI_API_KEY")
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

// fieldPath strips the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
