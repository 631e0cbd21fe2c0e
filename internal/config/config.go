package config

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Brownie44l1/lesion-api/internal/model"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	ModelPath         string `env:"MODEL_PATH" envDefault:"models/best_efficientnet_b3.onnx"`
	LabelsPath        string `env:"LABELS_PATH"`
	SharedLibraryPath string `env:"ONNXRUNTIME_LIB"`
	Device            string `env:"DEVICE" envDefault:"auto"`
	IntraOpThreads    int    `env:"INTRA_OP_THREADS" envDefault:"0"`

	UploadDir       string `env:"UPLOAD_DIR" envDefault:"static/uploads"`
	MaxUploadBytes  int64  `env:"MAX_UPLOAD_BYTES" envDefault:"10485760"`
	ThumbnailWidth  int    `env:"THUMBNAIL_WIDTH" envDefault:"400"`
	ThumbnailHeight int    `env:"THUMBNAIL_HEIGHT" envDefault:"300"`

	CORSOrigins    []string      `env:"CORS_ORIGINS" envDefault:"*" envSeparator:","`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"60s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// LoadEnvFile loads variables from the file named by -env, if given.
func LoadEnvFile(fs *flag.FlagSet, args []string) error {
	var configPath string
	fs.StringVar(&configPath, "env", "", "path to load env from")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return nil
	}

	log.Printf("loading env from file %s", configPath)
	if err := godotenv.Load(configPath); err != nil {
		return fmt.Errorf("error loading .env file '%s': %w", configPath, err)
	}
	return nil
}

func Load() (Config, error) {
	return parse(env.Options{})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, fmt.Errorf("error parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Device {
	case model.DeviceAuto, model.DeviceCPU, model.DeviceCUDA:
	default:
		return fmt.Errorf("invalid DEVICE %q: expected auto, cpu or cuda", c.Device)
	}
	if c.IntraOpThreads < 0 {
		return fmt.Errorf("invalid INTRA_OP_THREADS %d", c.IntraOpThreads)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("invalid MAX_UPLOAD_BYTES %d", c.MaxUploadBytes)
	}
	if c.ThumbnailWidth <= 0 || c.ThumbnailHeight <= 0 {
		return fmt.Errorf("invalid thumbnail size %dx%d", c.ThumbnailWidth, c.ThumbnailHeight)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("invalid REQUEST_TIMEOUT %s", c.RequestTimeout)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q: expected text or json", c.LogFormat)
	}
	return nil
}

func (c Config) Model() model.Config {
	return model.Config{
		ModelPath:         c.ModelPath,
		SharedLibraryPath: c.SharedLibraryPath,
		Device:            c.Device,
		IntraOpThreads:    c.IntraOpThreads,
	}
}

func parseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return l, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	return l, nil
}

// NewLogger builds the process logger described by LOG_LEVEL and LOG_FORMAT.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SetupLogging installs the configured logger as the slog default.
func (c Config) SetupLogging() {
	slog.SetDefault(c.NewLogger(os.Stderr))
}
