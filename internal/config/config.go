package config

import (
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Services ServicesConfig
	Capture  CaptureConfig
	Context  ContextConfig
	Storage  StorageConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
	Bind string
}

// ServicesConfig points at the OCR / transcription / answer backend.
// BaseURL, when set, is tried before Candidates during discovery.
type ServicesConfig struct {
	BaseURL           string
	Candidates        []string
	OCRTimeout        time.Duration
	TranscribeTimeout time.Duration
	AskTimeout        time.Duration
}

type CaptureConfig struct {
	SampleInterval   time.Duration
	ChunkInterval    time.Duration
	SelectionTimeout time.Duration
	MinSelection     int
}

type ContextConfig struct {
	MaxChars int
}

type StorageConfig struct {
	DataDir      string
	DownloadsDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4300,
			Bind: "127.0.0.1",
		},
		Services: ServicesConfig{
			Candidates: []string{
				"http://localhost:3000",
				"http://127.0.0.1:3000",
				"https://localhost:3000",
			},
			OCRTimeout:        30 * time.Second,
			TranscribeTimeout: 120 * time.Second,
			AskTimeout:        60 * time.Second,
		},
		Capture: CaptureConfig{
			SampleInterval:   2 * time.Second,
			ChunkInterval:    time.Second,
			SelectionTimeout: 60 * time.Second,
			MinSelection:     8,
		},
		Context: ContextConfig{
			MaxChars: 20000,
		},
		Storage: StorageConfig{
			DataDir:      dataDir,
			DownloadsDir: defaultDownloadsDir(dataDir),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend and then
// applies environment variable overrides.
//
// On macOS the backend is UserDefaults (domain: com.vprof.app).
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/vprof/config.json.
//
// Environment variables (VPROF_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	cfg.Services.BaseURL = strings.TrimRight(cfg.Services.BaseURL, "/")
	return cfg, nil
}

// BaseCandidates returns the discovery order: the configured base URL (if
// any) followed by the remaining candidates, without duplicates.
func (c ServicesConfig) BaseCandidates() []string {
	seen := make(map[string]bool)
	var out []string
	for _, u := range append([]string{c.BaseURL}, c.Candidates...) {
		u = strings.TrimRight(strings.TrimSpace(u), "/")
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
