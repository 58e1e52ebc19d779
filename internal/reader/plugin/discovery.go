// Package plugin exposes external executables as reader capabilities.
//
// A plugin is a directory under plugins_dir holding a manifest.yaml and an
// executable entrypoint. Each declared method becomes a capability that runs
// the entrypoint once per command, writes a protocol v1 request on stdin and
// reads a result object from stdout.
package plugin

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog holds discovered plugins indexed by name.
type Catalog struct {
	plugins map[string]*Plugin
}

func NewCatalog() *Catalog {
	return &Catalog{plugins: make(map[string]*Plugin)}
}

func (c *Catalog) Get(name string) (*Plugin, bool) {
	p, ok := c.plugins[name]
	return p, ok
}

// All returns plugins sorted by name.
func (c *Catalog) All() []*Plugin {
	out := make([]*Plugin, 0, len(c.plugins))
	for _, p := range c.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Catalog) Len() int { return len(c.plugins) }

// Add registers p. Names are unique within a catalog.
func (c *Catalog) Add(p *Plugin) error {
	if _, exists := c.plugins[p.Name]; exists {
		return fmt.Errorf("plugin %q already registered", p.Name)
	}
	c.plugins[p.Name] = p
	return nil
}

// Discover scans pluginsDir for manifest.yaml files. Invalid plugins are
// reported through logger and skipped; only an unusable root is an error.
func Discover(pluginsDir string, logger func(level, msg string, args ...any)) (*Catalog, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}
	root := strings.TrimSpace(pluginsDir)
	if root == "" {
		return nil, fmt.Errorf("plugins_dir is empty")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plugins_dir %q: %w", root, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("plugins_dir does not exist: %s", absRoot)
		}
		return nil, fmt.Errorf("failed to stat plugins_dir %s: %w", absRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("plugins_dir is not a directory: %s", absRoot)
	}

	catalog := NewCatalog()
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != manifestFilename {
			return nil
		}

		pluginPath := filepath.Dir(path)
		p, err := loadPlugin(pluginPath, absRoot)
		if err != nil {
			logger("warn", "failed to load plugin", "path", pluginPath, "error", err.Error())
			return nil
		}

		if err := catalog.Add(p); err != nil {
			existing, _ := catalog.Get(p.Name)
			logger("warn", "duplicate plugin ignored (keeping first discovered)",
				"plugin", p.Name,
				"ignored_path", p.Path,
				"kept_path", existing.Path,
			)
			return nil
		}

		logger("info", "loaded plugin", "plugin", p.Name, "path", p.Path, "version", p.Version, "methods", p.MethodNames())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan plugins_dir %s: %w", absRoot, err)
	}
	return catalog, nil
}

func loadPlugin(pluginPath, root string) (*Plugin, error) {
	data, err := os.ReadFile(filepath.Join(pluginPath, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	entrypoint := filepath.Join(pluginPath, manifest.Entrypoint)
	if err := validateTrust(entrypoint, pluginPath, root); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	timeout, _ := parseTimeout(manifest.Timeout)
	return &Plugin{
		Name:        strings.TrimSpace(manifest.Name),
		Path:        pluginPath,
		Entrypoint:  entrypoint,
		Version:     manifest.Version,
		Description: manifest.Description,
		Methods:     manifest.Methods,
		Timeout:     timeout,
	}, nil
}

// validateTrust requires the entrypoint to be an executable that resolves
// inside both the plugin directory and the plugins root, and the plugin
// directory to not be world-writable.
func validateTrust(entrypoint, pluginPath, root string) error {
	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypoint)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}
	resolvedPluginPath, err := filepath.EvalSymlinks(pluginPath)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin path symlink: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("failed to resolve plugins_dir symlink: %w", err)
	}

	sep := string(os.PathSeparator)
	if !strings.HasPrefix(resolvedEntrypoint, resolvedRoot+sep) {
		return fmt.Errorf("entrypoint %s is not under plugins_dir", resolvedEntrypoint)
	}
	if !strings.HasPrefix(resolvedEntrypoint, resolvedPluginPath+sep) {
		return fmt.Errorf("entrypoint %s is not under plugin directory %s", resolvedEntrypoint, resolvedPluginPath)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	dirInfo, err := os.Stat(resolvedPluginPath)
	if err != nil {
		return fmt.Errorf("plugin directory not found: %w", err)
	}
	if dirInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("plugin directory is world-writable: %s", resolvedPluginPath)
	}
	return nil
}
