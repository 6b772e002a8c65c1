package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxIncludeDepth bounds how deeply gatelink.yaml fragments may nest.
const maxIncludeDepth = 10

// includeChain overlays the fragments listed under `includes:` onto a Config.
// Fragments are typically split per concern (gateway credentials, reconnect
// tuning, store backend) and kept beside the main file.
type includeChain struct {
	seen map[string]bool
}

// newIncludeChain starts a chain rooted at the main config file, which counts
// as already seen so a fragment cannot include it back.
func newIncludeChain(mainPath string) *includeChain {
	return &includeChain{seen: map[string]bool{mainPath: true}}
}

// apply merges cfg.Includes in listed order. Patterns are relative to dir.
// Later fragments override earlier ones field by field.
func (ic *includeChain) apply(cfg *Config, dir string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}

	patterns := cfg.Includes
	cfg.Includes = nil
	for _, pattern := range patterns {
		files, err := expandInclude(pattern, dir)
		if err != nil {
			return err
		}
		for _, file := range files {
			if err := ic.overlay(cfg, file, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// overlay decodes one fragment onto cfg and follows the fragment's own
// includes relative to its directory.
func (ic *includeChain) overlay(cfg *Config, file string, depth int) error {
	abs, err := filepath.Abs(file)
	if err != nil {
		return fmt.Errorf("config includes: abs path %q: %w", file, err)
	}
	if ic.seen[abs] {
		return fmt.Errorf("config includes: circular include detected for %q", abs)
	}
	ic.seen[abs] = true

	if err := validatePermissions(abs); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", abs, err)
	}
	if len(data) == 0 {
		return nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", abs, err)
	}
	if len(cfg.Includes) == 0 {
		return nil
	}
	return ic.apply(cfg, filepath.Dir(abs), depth)
}

// expandInclude turns one `includes:` entry into file paths. A glob with no
// matches yields nothing; a literal path is returned as is so a missing
// fragment is reported when read. Relative entries must stay under dir.
func expandInclude(pattern, dir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(dir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(dir, pattern); err == nil && strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	if !strings.ContainsAny(pattern, "*?[") {
		return []string{pattern}, nil
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	return matches, nil
}
