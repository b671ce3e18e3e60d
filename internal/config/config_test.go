package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestResolveAppPaths(t *testing.T) {
	tests := []struct {
		name        string
		goos        string
		home        string
		programData string
		wantData    string
		wantLogDir  string
	}{
		{
			name:       "darwin",
			goos:       "darwin",
			home:       "/Users/test",
			wantData:   "/Users/test/Library/Application Support/Vocero",
			wantLogDir: "/Users/test/Library/Logs/Vocero",
		},
		{
			name:        "windows",
			goos:        "windows",
			programData: "C:\\ProgramData",
			wantData:    "C:/ProgramData/Vocero",
			wantLogDir:  "C:/ProgramData/Vocero/Logs",
		},
		{
			name:       "windows default ProgramData",
			goos:       "windows",
			wantData:   "C:/ProgramData/Vocero",
			wantLogDir: "C:/ProgramData/Vocero/Logs",
		},
		{
			name:       "linux",
			goos:       "linux",
			home:       "/home/user",
			wantData:   "/home/user/.local/share/vocero",
			wantLogDir: "/home/user/.local/share/vocero/logs",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, logDir := resolveAppPaths(tt.goos, tt.home, tt.programData)
			data = strings.ReplaceAll(data, "\\", "/")
			logDir = strings.ReplaceAll(logDir, "\\", "/")
			if data != tt.wantData {
				t.Errorf("data dir: got %q want %q", data, tt.wantData)
			}
			if logDir != tt.wantLogDir {
				t.Errorf("log dir: got %q want %q", logDir, tt.wantLogDir)
			}
		})
	}
}

func TestVenvPython(t *testing.T) {
	if got := venvPython("darwin", "/data/python"); got != "/data/python/bin/python3" {
		t.Errorf("darwin: got %q", got)
	}
	got := strings.ReplaceAll(venvPython("windows", "C:/data/python"), "\\", "/")
	if got != "C:/data/python/Scripts/python.exe" {
		t.Errorf("windows: got %q", got)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vocero.yaml")
	body := "listen_addr: 127.0.0.1:9999\ngenerate_timeout: 5m\nauto_start: false\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	var cfg Config
	cfg.ListenAddr = "127.0.0.1:4573"
	cfg.AutoStart = true
	if err := cfg.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9999" {
		t.Errorf("listen addr: got %q", cfg.ListenAddr)
	}
	if cfg.GenerateTimeout != 5*time.Minute {
		t.Errorf("generate timeout: got %s", cfg.GenerateTimeout)
	}
	if cfg.AutoStart {
		t.Error("auto_start should be false")
	}
}

func TestResolveFFmpegPrefersExplicit(t *testing.T) {
	cfg := Config{FFmpegPath: "/opt/ffmpeg"}
	if got := cfg.ResolveFFmpeg(); got != "/opt/ffmpeg" {
		t.Errorf("got %q", got)
	}
}

func TestResolveFFmpegBundled(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(bin, "ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := Config{ResourcesDir: dir}
	if got := cfg.ResolveFFmpeg(); got != path {
		t.Errorf("got %q want %q", got, path)
	}
}

func TestEnsureDirs(t *testing.T) {
	cfg := Config{DataDir: filepath.Join(t.TempDir(), "app")}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, dir := range []string{cfg.ModelsDir(), cfg.OutputsDir(), cfg.VoicesDir(), cfg.CacheDir()} {
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			t.Errorf("missing dir %s: %v", dir, err)
		}
	}
}

func TestGetEnvDefaults(t *testing.T) {
	old := env
	env = func(k string) string {
		if k == "VOCERO_LISTEN" {
			return "127.0.0.1:7777"
		}
		return ""
	}
	defer func() { env = old }()

	if got := getEnv("VOCERO_LISTEN", "127.0.0.1:4573"); got != "127.0.0.1:7777" {
		t.Errorf("env override: got %q", got)
	}
	if got := getEnv("VOCERO_DATA_DIR", "/fallback"); got != "/fallback" {
		t.Errorf("default: got %q", got)
	}
}
