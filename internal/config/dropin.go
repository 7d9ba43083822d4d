package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DropIn holds the settings of one drop-in candidate, read from
// <dropin_dir>/<name>.yaml. Zero Bus or Address means "use the drop-in default".
type DropIn struct {
	Name    string                 `yaml:"-"`
	Bus     int                    `yaml:"bus"`
	Address int                    `yaml:"address"`
	Options map[string]interface{} `yaml:"options"`
}

// BusOr returns the configured bus, or def when unset.
func (d DropIn) BusOr(def int) int {
	if d.Bus != 0 {
		return d.Bus
	}
	return def
}

// AddressOr returns the configured address, or def when unset.
func (d DropIn) AddressOr(def int) int {
	if d.Address != 0 {
		return d.Address
	}
	return def
}

// Float returns a numeric option. The second result is false when the key is
// absent or not a number.
func (d DropIn) Float(key string) (float64, bool) {
	switch v := d.Options[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Int returns an integer option, or def.
func (d DropIn) Int(key string, def int) int {
	switch v := d.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// String returns a string option, or def.
func (d DropIn) String(key, def string) string {
	if v, ok := d.Options[key].(string); ok {
		return v
	}
	return def
}

// Loader reads drop-in settings files from a directory.
type Loader struct {
	dir    string
	logger *zap.Logger
}

// NewLoader creates a loader over dir.
func NewLoader(dir string, logger *zap.Logger) *Loader {
	return &Loader{
		dir:    dir,
		logger: logger,
	}
}

// Dir returns the directory the loader reads from.
func (l *Loader) Dir() string {
	return l.dir
}

// ListDropIns returns the candidate names found in the directory in lexical
// order. Directories, non-YAML files and names starting with "_" are skipped.
func (l *Loader) ListDropIns() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list drop-in dir: %w", err)
	}

	seen := make(map[string]bool)
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, ok := candidateName(e.Name())
		if !ok {
			l.logger.Debug("Ignoring file in drop-in dir", zap.String("file", e.Name()))
			continue
		}
		if seen[name] {
			l.logger.Warn("Drop-in configured twice, using first file", zap.String("name", name))
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// LoadDropIn reads the settings file of the named candidate.
func (l *Loader) LoadDropIn(name string) (DropIn, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(l.dir, name+ext)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return DropIn{}, fmt.Errorf("failed to read drop-in config: %w", err)
		}

		var cfg DropIn
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return DropIn{}, fmt.Errorf("failed to parse drop-in config %s: %w", path, err)
		}
		cfg.Name = name
		l.logger.Debug("Drop-in config loaded", zap.String("path", path))
		return cfg, nil
	}
	return DropIn{}, fmt.Errorf("no config file for drop-in %q in %s", name, l.dir)
}

func candidateName(file string) (string, bool) {
	if strings.HasPrefix(file, "_") || strings.HasPrefix(file, ".") {
		return "", false
	}
	ext := filepath.Ext(file)
	if ext != ".yaml" && ext != ".yml" {
		return "", false
	}
	name := strings.TrimSuffix(file, ext)
	return name, name != ""
}
