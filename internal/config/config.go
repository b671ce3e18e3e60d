package config

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for the vocerod daemon.
type Config struct {
	ListenAddr       string        `yaml:"listen_addr"`
	DataDir          string        `yaml:"data_dir"`
	ResourcesDir     string        `yaml:"resources_dir"`
	BackendScript    string        `yaml:"backend_script"`
	RequirementsFile string        `yaml:"requirements_file"`
	WheelsDir        string        `yaml:"wheels_dir"`
	BundledRuntime   string        `yaml:"bundled_runtime"`
	FFmpegPath       string        `yaml:"ffmpeg_path"`
	AutoStart        bool          `yaml:"auto_start"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	GenerateTimeout  time.Duration `yaml:"generate_timeout"`
	StopGrace        time.Duration `yaml:"stop_grace"`
	LogLevel         string        `yaml:"log_level"`
	LogFile          string        `yaml:"log_file"`
	ConfigFile       string        `yaml:"-"`
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags so main can call flag.Parse().
func (c *Config) BindFlags() {
	dataDir, logDir := defaultAppPaths()
	c.ConfigFile = getEnv("VOCERO_CONFIG", filepath.Join(dataDir, "vocero.yaml"))
	c.ListenAddr = getEnv("VOCERO_LISTEN", "127.0.0.1:4573")
	c.DataDir = getEnv("VOCERO_DATA_DIR", dataDir)
	c.ResourcesDir = getEnv("VOCERO_RESOURCES", "resources")
	c.BackendScript = getEnv("VOCERO_BACKEND_SCRIPT", filepath.Join("resources", "backend", "server.py"))
	c.RequirementsFile = getEnv("VOCERO_REQUIREMENTS", filepath.Join("resources", "requirements.txt"))
	c.WheelsDir = getEnv("VOCERO_WHEELS_DIR", "")
	c.BundledRuntime = getEnv("VOCERO_BUNDLED_RUNTIME", "")
	c.FFmpegPath = getEnv("VOCERO_FFMPEG_PATH", "")
	c.LogLevel = getEnv("VOCERO_LOG_LEVEL", "info")
	c.LogFile = getEnv("VOCERO_LOG_FILE", filepath.Join(logDir, "vocerod.log"))
	if b, err := strconv.ParseBool(getEnv("VOCERO_AUTO_START", "true")); err == nil {
		c.AutoStart = b
	} else {
		c.AutoStart = true
	}
	c.PingTimeout = envDuration("VOCERO_PING_TIMEOUT", 10*time.Second)
	c.CallTimeout = envDuration("VOCERO_CALL_TIMEOUT", 2*time.Minute)
	c.GenerateTimeout = envDuration("VOCERO_GENERATE_TIMEOUT", 15*time.Minute)
	c.StopGrace = envDuration("VOCERO_STOP_GRACE", 5*time.Second)

	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "daemon config file path")
	flag.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "control plane listen address; loopback only is the supported mode")
	flag.StringVar(&c.DataDir, "data-dir", c.DataDir, "application data directory (runtime env, models, outputs, voices)")
	flag.StringVar(&c.ResourcesDir, "resources", c.ResourcesDir, "bundled resources directory")
	flag.StringVar(&c.BackendScript, "backend-script", c.BackendScript, "path to the backend entry script")
	flag.StringVar(&c.RequirementsFile, "requirements", c.RequirementsFile, "dependency manifest installed into the runtime env")
	flag.StringVar(&c.WheelsDir, "wheels-dir", c.WheelsDir, "optional local wheel directory passed to the installer via --find-links")
	flag.StringVar(&c.BundledRuntime, "bundled-runtime", c.BundledRuntime, "path to a bundled python binary; skips provisioning when set")
	flag.StringVar(&c.FFmpegPath, "ffmpeg", c.FFmpegPath, "path to the companion ffmpeg binary; looked up on PATH when empty")
	flag.BoolVar(&c.AutoStart, "auto-start", c.AutoStart, "start the backend automatically once the environment is ready")
	flag.DurationVar(&c.PingTimeout, "ping-timeout", c.PingTimeout, "timeout for backend liveness checks")
	flag.DurationVar(&c.CallTimeout, "call-timeout", c.CallTimeout, "default timeout for backend calls")
	flag.DurationVar(&c.GenerateTimeout, "generate-timeout", c.GenerateTimeout, "timeout for generation class calls (generate, load_model, enroll_voice)")
	flag.DurationVar(&c.StopGrace, "stop-grace", c.StopGrace, "grace period between SIGTERM and SIGKILL when stopping the backend")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.StringVar(&c.LogFile, "log-file", c.LogFile, "rotating log file path; empty logs to stderr only")
}

// LoadFile populates the config from a YAML file. Fields already set remain unless
// overwritten by corresponding entries in the file.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func envDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(getEnv(key, "")); err == nil && d > 0 {
		return d
	}
	return def
}

func getEnv(k, d string) string {
	if v := env(k); v != "" {
		return v
	}
	return d
}

var env = os.Getenv
