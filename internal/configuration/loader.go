package configuration

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	DefaultDir  = "internal/static"
	dirEnv      = "AREASTATE_CONFIG_DIR"
	profileEnv  = "AREASTATE_PROFILE"
	baseFile    = "application"
	profileFile = "application-%s"
)

var envVarPattern = regexp.MustCompile(`\${([^}]+)}`)

// Load reads application.yml from the config directory, overlays the
// profile file, then environment overrides, then defaults.
func Load() (*Properties, error) {
	dir := os.Getenv(dirEnv)
	if dir == "" {
		dir = DefaultDir
	}
	return LoadFrom(dir)
}

func LoadFrom(dir string) (*Properties, error) {
	cfg := &Properties{}

	if err := loadYaml(dir, baseFile, cfg); err != nil {
		slog.Error("error loading base config", "dir", dir, "error", err)
		return nil, err
	}

	profile := cfg.App.Profile
	if p := os.Getenv(profileEnv); p != "" {
		profile = p
	}
	if profile != "" {
		if err := loadYaml(dir, fmt.Sprintf(profileFile, profile), cfg); err != nil {
			slog.Error("error loading profile config", "profile", profile, "error", err)
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYaml(dir, name string, cfg *Properties) error {
	expanded, err := LoadAndExpandYaml(dir, name)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse %s.yml: %w", name, err)
	}
	return nil
}

func LoadAndExpandYaml(baseDir, filename string) (string, error) {
	file := filepath.Join(baseDir, filename+".yml")
	raw, err := os.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%s.yml not found", filename)
	}
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	return ExpandEnvStrict(string(raw))
}

// ExpandEnvStrict expands ${VAR} references and fails on unset variables.
func ExpandEnvStrict(s string) (string, error) {
	for _, m := range envVarPattern.FindAllStringSubmatch(s, -1) {
		if _, ok := os.LookupEnv(m[1]); !ok {
			return "", fmt.Errorf("environment variable %s is not set", m[1])
		}
	}
	return os.ExpandEnv(s), nil
}
