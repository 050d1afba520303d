package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Manifest is the versioned application shell: the generation names the
// worker owns, the assets precached at install time, and the offline page
// served when navigation fails.
type Manifest struct {
	Version     string      `koanf:"version" json:"version"`
	Generations Generations `koanf:"generations" json:"generations"`
	OfflineURL  string      `koanf:"offlineURL" json:"offlineURL"`
	Assets      []string    `koanf:"assets" json:"assets"`
}

// Generations names the current static and API cache generations. Any other
// generation in the store is garbage once a version activates.
type Generations struct {
	Static string `koanf:"static" json:"static"`
	API    string `koanf:"api" json:"api"`
}

// DefaultManifest mirrors the app shell shipped with the dashboard.
func DefaultManifest() Manifest {
	return Manifest{
		Version: "v1",
		Generations: Generations{
			Static: "meghbarta-v1",
			API:    "weather-api-v1",
		},
		OfflineURL: "/offline.html",
		Assets: []string{
			"/",
			"/src/App.jsx",
			"/src/styles.css",
			"/src/main.jsx",
			"/offline.html",
		},
	}
}

// Current reports whether name is one of the manifest's live generations.
func (m Manifest) Current(name string) bool {
	return name == m.Generations.Static || name == m.Generations.API
}

// Equal compares two manifests field by field, asset order included.
func (m Manifest) Equal(other Manifest) bool {
	return m.Version == other.Version &&
		m.Generations == other.Generations &&
		m.OfflineURL == other.OfflineURL &&
		slices.Equal(m.Assets, other.Assets)
}

func (m Manifest) Validate() error {
	if strings.TrimSpace(m.Generations.Static) == "" || strings.TrimSpace(m.Generations.API) == "" {
		return errors.New("config: manifest generations.static and generations.api required")
	}
	if m.Generations.Static == m.Generations.API {
		return fmt.Errorf("config: manifest generations must differ: %s", m.Generations.Static)
	}
	if !strings.HasPrefix(m.OfflineURL, "/") {
		return fmt.Errorf("config: manifest offlineURL must be an absolute path: %q", m.OfflineURL)
	}
	for i, asset := range m.Assets {
		if strings.TrimSpace(asset) == "" {
			return fmt.Errorf("config: manifest assets[%d] empty", i)
		}
	}
	return nil
}

// LoadManifest reads a manifest document. Fields absent from the file keep
// their DefaultManifest values, except assets which are replaced wholesale.
func LoadManifest(ctx context.Context, path string) (Manifest, error) {
	if err := ctx.Err(); err != nil {
		return Manifest{}, err
	}
	parser, err := parserFor(path)
	if err != nil {
		return Manifest{}, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, fmt.Errorf("config: manifest %s not found", path)
		}
		return Manifest{}, fmt.Errorf("config: stat manifest %s: %w", path, err)
	}

	def := DefaultManifest()
	k := koanf.New(".")
	defaults := map[string]any{
		"version": def.Version,
		"generations": map[string]any{
			"static": def.Generations.Static,
			"api":    def.Generations.API,
		},
		"offlineURL": def.OfflineURL,
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return Manifest{}, fmt.Errorf("config: manifest defaults: %w", err)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return Manifest{}, fmt.Errorf("config: load manifest %s: %w", path, err)
	}

	var m Manifest
	if err := k.Unmarshal("", &m); err != nil {
		return Manifest{}, fmt.Errorf("config: unmarshal manifest: %w", err)
	}
	if !k.Exists("assets") {
		m.Assets = def.Assets
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported manifest extension %s", ext)
	}
}
