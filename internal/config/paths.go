package config

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// defaultAppPaths returns the data and log directories for the current OS.
func defaultAppPaths() (dataDir, logDir string) {
	home, _ := os.UserHomeDir()
	programData := os.Getenv("ProgramData")
	return resolveAppPaths(runtime.GOOS, home, programData)
}

// resolveAppPaths constructs per-OS application directories. It is mainly
// used in tests.
func resolveAppPaths(goos, home, programData string) (dataDir, logDir string) {
	switch goos {
	case "darwin":
		dataDir = filepath.Join(home, "Library", "Application Support", "Vocero")
		logDir = filepath.Join(home, "Library", "Logs", "Vocero")
	case "windows":
		if programData == "" {
			programData = "C:/ProgramData"
		}
		programData = strings.TrimRight(programData, "\\/")
		dataDir = filepath.Join(programData, "Vocero")
		logDir = filepath.Join(programData, "Vocero", "Logs")
	default:
		dataDir = filepath.Join(home, ".local", "share", "vocero")
		logDir = filepath.Join(home, ".local", "share", "vocero", "logs")
	}
	return
}

// VenvDir is the directory of the provisioned python environment.
func (c *Config) VenvDir() string { return filepath.Join(c.DataDir, "python") }

// VenvPython is the interpreter path inside the provisioned environment.
func (c *Config) VenvPython() string { return venvPython(runtime.GOOS, c.VenvDir()) }

func venvPython(goos, venvDir string) string {
	if goos == "windows" {
		return filepath.Join(venvDir, "Scripts", "python.exe")
	}
	return filepath.Join(venvDir, "bin", "python3")
}

// FingerprintPath is the completion marker persisted alongside the environment.
func (c *Config) FingerprintPath() string {
	return filepath.Join(c.VenvDir(), "requirements.sha256")
}

func (c *Config) ModelsDir() string  { return filepath.Join(c.DataDir, "models") }
func (c *Config) OutputsDir() string { return filepath.Join(c.DataDir, "outputs") }
func (c *Config) VoicesDir() string  { return filepath.Join(c.DataDir, "voices") }
func (c *Config) CacheDir() string   { return filepath.Join(c.DataDir, "cache") }

// HistoryPath is the generation history store location.
func (c *Config) HistoryPath() string { return filepath.Join(c.DataDir, "history.jsonl") }

// EnsureDirs creates the application data directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.ModelsDir(), c.OutputsDir(), c.VoicesDir(), c.CacheDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// ResolveFFmpeg locates the companion media conversion binary: explicit
// configuration first, then the bundled resources directory, then PATH.
// Returns an empty string when none is found; callers treat that as degraded,
// not fatal.
func (c *Config) ResolveFFmpeg() string {
	if c.FFmpegPath != "" {
		return c.FFmpegPath
	}
	name := "ffmpeg"
	if runtime.GOOS == "windows" {
		name = "ffmpeg.exe"
	}
	if c.ResourcesDir != "" {
		bundled := filepath.Join(c.ResourcesDir, "bin", name)
		if _, err := os.Stat(bundled); err == nil {
			return bundled
		}
	}
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	return ""
}
