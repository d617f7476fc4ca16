package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "VPROF_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.bind", typ: kString, env: "VPROF_SERVER_BIND",
		apply:   func(cfg *Config, v any) { cfg.Server.Bind = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Bind },
	},
	{
		key: "services.base_url", typ: kString, env: "VPROF_SERVICES_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Services.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Services.BaseURL },
	},
	{
		key: "services.candidates", typ: kList, env: "VPROF_SERVICES_CANDIDATES",
		apply:   func(cfg *Config, v any) { cfg.Services.Candidates = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Services.Candidates, ",") },
	},
	{
		key: "services.ocr_timeout", typ: kDuration, env: "VPROF_SERVICES_OCR_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Services.OCRTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Services.OCRTimeout },
	},
	{
		key: "services.transcribe_timeout", typ: kDuration, env: "VPROF_SERVICES_TRANSCRIBE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Services.TranscribeTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Services.TranscribeTimeout },
	},
	{
		key: "services.ask_timeout", typ: kDuration, env: "VPROF_SERVICES_ASK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Services.AskTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Services.AskTimeout },
	},
	{
		key: "capture.sample_interval", typ: kDuration, env: "VPROF_CAPTURE_SAMPLE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Capture.SampleInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Capture.SampleInterval },
	},
	{
		key: "capture.chunk_interval", typ: kDuration, env: "VPROF_CAPTURE_CHUNK_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Capture.ChunkInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Capture.ChunkInterval },
	},
	{
		key: "capture.selection_timeout", typ: kDuration, env: "VPROF_CAPTURE_SELECTION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Capture.SelectionTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Capture.SelectionTimeout },
	},
	{
		key: "capture.min_selection", typ: kInt, env: "VPROF_CAPTURE_MIN_SELECTION",
		apply:   func(cfg *Config, v any) { cfg.Capture.MinSelection = v.(int) },
		extract: func(cfg Config) any { return cfg.Capture.MinSelection },
	},
	{
		key: "context.max_chars", typ: kInt, env: "VPROF_CONTEXT_MAX_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Context.MaxChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.MaxChars },
	},
	{
		key: "storage.data_dir", typ: kString, env: "VPROF_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.downloads_dir", typ: kString, env: "VPROF_STORAGE_DOWNLOADS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DownloadsDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DownloadsDir },
	},
	{
		key: "log.level", typ: kString, env: "VPROF_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parseValue converts a raw string into the Go value expected by a key's
// apply function.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kDuration:
		return time.ParseDuration(raw)
	case kList:
		var out []string
		for _, part := range strings.Split(raw, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported key type %d", typ)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
