package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/smartgenie/internal/collection"
	"github.com/MrWong99/smartgenie/pkg/wire"
)

// LoadDotEnv loads environment variables from the given .env files, or from
// ".env" in the working directory when none are given. Variables already set
// in the environment win. Missing files are not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				slog.Debug("no env file", "path", p)
				continue
			}
			return fmt.Errorf("config: load env file %q: %w", p, err)
		}
		slog.Debug("loaded env file", "path", p)
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${VAR} references, decodes a YAML config from r,
// fills in defaults and validates the result. An empty document yields the
// default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg in place.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}

	s := &cfg.Session
	if s.Endpoint == "" {
		s.Endpoint = DefaultEndpoint
	}
	if len(s.Collections) == 0 {
		s.Collections = collection.Defaults()
	}
	if s.Collection == "" {
		s.Collection = collection.DefaultID
		if !hasCollection(s.Collections, s.Collection) {
			s.Collection = s.Collections[0].ID
		}
	}
	if s.DialTimeout == 0 {
		s.DialTimeout = DefaultDialTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}

	a := &cfg.Audio
	if a.Backend == "" {
		a.Backend = BackendDevice
	}
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.Channels == 0 {
		a.Channels = DefaultChannels
	}
	if a.ChunkMillis == 0 {
		a.ChunkMillis = DefaultChunkMillis
	}
	if a.OutputDir == "" {
		a.OutputDir = DefaultOutputDir
	}

	if cfg.Conversation.NATS.URL != "" && cfg.Conversation.NATS.Subject == "" {
		cfg.Conversation.NATS.Subject = DefaultNATSSubject
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Session
	s := cfg.Session
	if s.Endpoint == "" {
		errs = append(errs, errors.New("session.endpoint is required"))
	} else if u, err := url.Parse(s.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("session.endpoint: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("session.endpoint scheme %q is invalid; valid values: ws, wss, http, https", u.Scheme))
	}

	seen := make(map[string]int, len(s.Collections))
	for i, c := range s.Collections {
		prefix := fmt.Sprintf("session.collections[%d]", i)
		if err := wire.ValidateCollection(c.ID); err != nil {
			errs = append(errs, fmt.Errorf("%s.id: %w", prefix, err))
			continue
		}
		if prev, ok := seen[c.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of session.collections[%d]", prefix, c.ID, prev))
		}
		seen[c.ID] = i
	}
	if s.Collection != "" && len(s.Collections) > 0 && !hasCollection(s.Collections, s.Collection) {
		errs = append(errs, fmt.Errorf("session.collection %q is not in session.collections", s.Collection))
	}

	if s.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.dial_timeout %v must not be negative", s.DialTimeout))
	}
	if s.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.write_timeout %v must not be negative", s.WriteTimeout))
	}
	if s.TurnTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.turn_timeout %v must not be negative", s.TurnTimeout))
	}
	if rc := s.Reconnect; rc.Enabled {
		if rc.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("session.reconnect.max_retries %d must not be negative", rc.MaxRetries))
		}
		if rc.Backoff < 0 || rc.MaxBackoff < 0 {
			errs = append(errs, errors.New("session.reconnect backoff values must not be negative"))
		}
		if rc.Backoff > 0 && rc.MaxBackoff > 0 && rc.Backoff > rc.MaxBackoff {
			errs = append(errs, fmt.Errorf("session.reconnect.backoff %v exceeds max_backoff %v", rc.Backoff, rc.MaxBackoff))
		}
	}
	if s.Token != "" && strings.HasPrefix(s.Endpoint, "ws://") {
		slog.Warn("session.token is sent over an unencrypted connection", "endpoint", s.Endpoint)
	}

	// Audio
	a := cfg.Audio
	if a.Backend != "" && !a.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: device, file", a.Backend))
	}
	if a.Backend == BackendFile && a.InputFile == "" {
		errs = append(errs, errors.New("audio.input_file is required when backend is file"))
	}
	if a.SampleRate < 0 || (a.SampleRate > 0 && (a.SampleRate < 8000 || a.SampleRate > 192000)) {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 192000]", a.SampleRate))
	}
	if a.Channels < 0 || a.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", a.Channels))
	}
	if a.ChunkMillis < 0 || a.ChunkMillis > 1000 {
		errs = append(errs, fmt.Errorf("audio.chunk_ms %d is out of range [1, 1000]", a.ChunkMillis))
	}

	// Conversation
	if n := cfg.Conversation.NATS; n.URL == "" && n.Subject != "" {
		slog.Warn("conversation.nats.subject is set but conversation.nats.url is empty; NATS publishing is disabled")
	}

	return errors.Join(errs...)
}

func hasCollection(items []collection.Collection, id string) bool {
	return slices.ContainsFunc(items, func(c collection.Collection) bool { return c.ID == id })
}
