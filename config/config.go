// Package config loads the worker's configuration from environment
// variables, with a .env file honored for local development.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the worker's full configuration.
type Config struct {
	// Port the intake HTTP API listens on.
	Port string

	// ComfyHost and ComfyPort locate the ComfyUI server.
	ComfyHost string
	ComfyPort int

	// WorkflowPath is the API-format workflow template to bind jobs into.
	WorkflowPath string
	// BindingsPath optionally overrides the template's bound node IDs.
	// Empty means the stock WAN loop bindings.
	BindingsPath string

	// ComfyAutostart makes the worker launch its own ComfyUI process.
	ComfyAutostart bool
	// ComfyDir is the ComfyUI checkout used with autostart.
	ComfyDir string
	// ComfyPython is the interpreter used with autostart.
	ComfyPython string
	// ComfyArgs holds extra server arguments used with autostart.
	ComfyArgs []string
	// ModelRoot is the server's models directory, checked at startup so a
	// missing checkpoint surfaces before the first job does.
	ModelRoot string

	// JobTimeout bounds a single job from queue to artifact.
	JobTimeout time.Duration
	// PollInterval is the job status poll cadence.
	PollInterval time.Duration
	// StartupWait bounds waiting for the ComfyUI server to answer.
	StartupWait time.Duration
	// QueueCapacity is how many accepted jobs may wait for the worker.
	QueueCapacity int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	LogLevel slog.Level
}

// Load reads the configuration from the environment and applies defaults.
// A .env file in the working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", "8000"),
		ComfyHost:      getEnv("COMFY_HOST", "127.0.0.1"),
		ComfyPort:      getEnvInt("COMFY_PORT", 8188),
		WorkflowPath:   getEnv("WORKFLOW_PATH", "workflows/wan_loop_api.json"),
		BindingsPath:   os.Getenv("BINDINGS_PATH"),
		ComfyAutostart: getEnvBool("COMFY_AUTOSTART", false),
		ComfyDir:       getEnv("COMFY_PATH", "/workspace/ComfyUI"),
		ComfyPython:    getEnv("COMFY_PYTHON", "python3"),
		ComfyArgs:      strings.Fields(os.Getenv("COMFY_ARGS")),
		JobTimeout:     getEnvSeconds("JOB_TIMEOUT_SECONDS", 600),
		PollInterval:   getEnvSeconds("POLL_INTERVAL_SECONDS", 1),
		StartupWait:    getEnvSeconds("STARTUP_WAIT_SECONDS", 120),
		QueueCapacity:  getEnvInt("QUEUE_CAPACITY", 8),

		HTTPReadTimeout: getEnvSeconds("HTTP_READ_TIMEOUT_SECONDS", 60),
		// generous write budget: /runsync holds the response open for the
		// whole job
		HTTPWriteTimeout: getEnvSeconds("HTTP_WRITE_TIMEOUT_SECONDS", 660),
		HTTPIdleTimeout:  getEnvSeconds("HTTP_IDLE_TIMEOUT_SECONDS", 120),
	}
	cfg.ModelRoot = getEnv("MODEL_ROOT", filepath.Join(cfg.ComfyDir, "models"))

	level, err := parseLogLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	if cfg.ComfyPort <= 0 || cfg.ComfyPort > 65535 {
		return nil, fmt.Errorf("COMFY_PORT %d out of range", cfg.ComfyPort)
	}
	if cfg.QueueCapacity < 1 {
		return nil, fmt.Errorf("QUEUE_CAPACITY must be at least 1")
	}
	if cfg.JobTimeout < time.Second {
		return nil, fmt.Errorf("JOB_TIMEOUT_SECONDS must be at least 1")
	}

	return cfg, nil
}

// ComfyAddr returns the host:port of the ComfyUI server.
func (c *Config) ComfyAddr() string {
	return fmt.Sprintf("%s:%d", c.ComfyHost, c.ComfyPort)
}

// ModelDirs returns the model subdirectories the WAN loop workflow loads
// from, keyed by the loader class that reads them.
func (c *Config) ModelDirs() map[string]string {
	return map[string]string{
		"UNETLoader":          filepath.Join(c.ModelRoot, "diffusion_models"),
		"CLIPLoader":          filepath.Join(c.ModelRoot, "text_encoders"),
		"VAELoader":           filepath.Join(c.ModelRoot, "vae"),
		"CLIPVisionLoader":    filepath.Join(c.ModelRoot, "clip_vision"),
		"LoraLoaderModelOnly": filepath.Join(c.ModelRoot, "loras"),
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown LOG_LEVEL %q", s)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}
