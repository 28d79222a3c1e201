// Package config holds provman's static startup configuration: where
// metadata files live, how long the broker may sit idle before its
// idle handler fires, and
// which plugin roots are expected to be present (spec.md §6).
package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationErrors represents multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("config validation failed with %d errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Scope selects whether a broker instance manages system-wide settings
// or one user's settings, mirroring plugin_manager_new's "system" flag
// in the original implementation — some plugins only make sense in one
// scope or the other.
type Scope string

const (
	ScopeSystem Scope = "system"
	ScopeUser   Scope = "user"
)

// Config is provman's static startup configuration.
type Config struct {
	// Scope selects the plugin roster variant to load.
	Scope Scope

	// BaseDir is the directory metadata .ini files are read from and
	// written to (spec.md §6).
	BaseDir string

	// IdleTimeout is how long the session gate waits with no holder
	// and no queued client before invoking the broker's idle handler
	// (see Broker.SetIdleHandler), per spec.md §9's supplemented
	// idle-shutdown behaviour. Zero disables the timer.
	IdleTimeout time.Duration

	// Plugins is the roster of plugin names this configuration
	// expects the broker to have wired in; it is used only for
	// validation, not to construct the plugins themselves (those are
	// concrete Capability values supplied by the caller).
	Plugins []PluginConfig
}

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	var errors ValidationErrors

	if c.Scope != ScopeSystem && c.Scope != ScopeUser {
		errors = append(errors, ValidationError{
			Field:   "scope",
			Message: fmt.Sprintf("invalid scope %q: must be 'system' or 'user'", c.Scope),
		})
	}

	if c.BaseDir == "" {
		errors = append(errors, ValidationError{
			Field:   "baseDir",
			Message: "baseDir cannot be empty",
		})
	}

	if c.IdleTimeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "idleTimeout",
			Message: "idleTimeout cannot be negative",
		})
	}

	if len(c.Plugins) == 0 {
		errors = append(errors, ValidationError{
			Field:   "plugins",
			Message: "at least one plugin must be configured",
		})
	}

	pluginNames := make(map[string]bool)
	for i, plugin := range c.Plugins {
		if plugin.Name == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("plugins[%d].name", i),
				Message: "plugin name cannot be empty",
			})
			continue
		}

		if pluginNames[plugin.Name] {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("plugins[%d].name", i),
				Message: fmt.Sprintf("duplicate plugin name: %s", plugin.Name),
			})
		}
		pluginNames[plugin.Name] = true

		if plugin.Root == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("plugins[%d].root", i),
				Message: "plugin root cannot be empty",
			})
		} else if !strings.HasPrefix(plugin.Root, "/") || !strings.HasSuffix(plugin.Root, "/") {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("plugins[%d].root", i),
				Message: fmt.Sprintf("plugin root %q must start and end with '/'", plugin.Root),
			})
		}
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

// PluginConfig names a plugin root expected to be wired into the
// broker; the concrete Capability is constructed elsewhere and never
// comes from configuration itself (spec.md's plugin roster is code,
// not data).
type PluginConfig struct {
	Name string
	Root string
}

// DefaultConfig returns a development-friendly default configuration.
func DefaultConfig() *Config {
	return &Config{
		Scope:       ScopeUser,
		BaseDir:     "/var/lib/provman",
		IdleTimeout: 30 * time.Second,
		Plugins: []PluginConfig{
			{Name: "test", Root: "/applications/test_plugin/"},
		},
	}
}
