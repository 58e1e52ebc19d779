// Package doctor reports problems in a loaded configuration and plugin
// catalog that Load alone cannot see.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/placqs/internal/config"
	"github.com/mattjoyce/placqs/internal/reader"
	"github.com/mattjoyce/placqs/internal/reader/plugin"
)

const longPluginTimeout = 5 * time.Minute

// builtinMethods are registered by reader.System on every node.
var builtinMethods = []string{"ping", "methods"}

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Config   string  `json:"config"`
	Node     string  `json:"node"`
	Methods  int     `json:"methods"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against discovered plugins.
type Doctor struct {
	cfg     *config.Config
	catalog *plugin.Catalog
}

// New creates a Doctor from a loaded config and plugin catalog.
func New(cfg *config.Config, catalog *plugin.Catalog) *Doctor {
	if catalog == nil {
		catalog = plugin.NewCatalog()
	}
	return &Doctor{cfg: cfg, catalog: catalog}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Config: d.cfg.Path, Node: d.cfg.RabbitMQ.NodeName}

	d.validateMethods(r)
	d.validateAPIConfig(r)
	d.warnBrokerCredentials(r)
	d.warnRelativePaths(r)
	d.warnPluginTimeouts(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateMethods finds methods claimed twice, which would stop start from
// building its registry.
func (d *Doctor) validateMethods(r *Result) {
	owners := make(map[string]string)
	for _, m := range builtinMethods {
		owners[m] = "built-in"
	}

	for _, p := range d.catalog.All() {
		for _, name := range p.MethodNames() {
			key := reader.Normalize(name)
			if prev, ok := owners[key]; ok {
				d.addError(r, "plugins", "plugins."+p.Name,
					fmt.Sprintf("method %q is already provided by %s", name, prev))
				continue
			}
			owners[key] = "plugin " + p.Name
		}
	}
	r.Methods = len(owners)

	if d.catalog.Len() == 0 {
		d.addWarning(r, "plugins", "plugins_dir",
			fmt.Sprintf("no plugins found in %s; the node answers only %s", d.cfg.PluginsDir, strings.Join(builtinMethods, " and ")))
	}
}

func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if d.cfg.API.APIKey == "" && !isLoopback(host) {
		d.addWarning(r, "api", "api.api_key",
			fmt.Sprintf("api listens on %s without api_key; /v1 and /events are open", d.cfg.API.Listen))
	}
}

// warnBrokerCredentials flags the RabbitMQ default user on a remote broker,
// which the broker refuses by default.
func (d *Doctor) warnBrokerCredentials(r *Result) {
	mq := d.cfg.RabbitMQ
	if mq.Username == "guest" && !isLoopback(mq.Host) {
		d.addWarning(r, "rabbitmq", "rabbitmq.username",
			fmt.Sprintf("user guest can only connect via localhost; %s will likely refuse it", mq.Host))
	}
}

func (d *Doctor) warnRelativePaths(r *Result) {
	paths := map[string]string{
		"plugins_dir":      d.cfg.PluginsDir,
		"service.lock_dir": d.cfg.Service.LockDir,
	}
	if d.cfg.Store.Driver == "sqlite" {
		paths["store.path"] = d.cfg.Store.Path
	}
	for _, field := range []string{"plugins_dir", "service.lock_dir", "store.path"} {
		p, ok := paths[field]
		if !ok || p == "" || filepath.IsAbs(p) {
			continue
		}
		d.addWarning(r, "paths", field,
			fmt.Sprintf("%q is relative and resolves against the working directory", p))
	}
}

func (d *Doctor) warnPluginTimeouts(r *Result) {
	for _, p := range d.catalog.All() {
		if p.Timeout > longPluginTimeout {
			d.addWarning(r, "plugins", "plugins."+p.Name+".timeout",
				fmt.Sprintf("timeout %s blocks the node for every call that hangs", p.Timeout))
		}
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		fmt.Fprintf(&b, "Configuration valid: %s\n", r.Config)
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid: %s (%d warning(s))\n", r.Config, len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid: %s (%d error(s), %d warning(s))\n", r.Config, len(r.Errors), len(r.Warnings))
	}
	fmt.Fprintf(&b, "  node: %s, methods: %d\n", r.Node, r.Methods)

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, label string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", label, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
