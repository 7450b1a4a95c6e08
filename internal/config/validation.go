package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate = validator.New()

// Validate checks the configuration using struct tags and custom rules
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	return c.validateCustomRules()
}

// validateCustomRules covers what struct tags cannot express
func (c *Config) validateCustomRules() error {
	if c.Install.Root != "" && !filepath.IsAbs(c.Install.Root) {
		return fmt.Errorf("install.root must be an absolute path: %s", c.Install.Root)
	}
	if c.Install.ManifestURL != "" && c.Install.Root == "" {
		return fmt.Errorf("install.root is required when install.manifest_url is set")
	}
	if c.Install.LaunchCommand != "" && c.Install.Root == "" {
		return fmt.Errorf("install.root is required when install.launch_command is set")
	}
	if c.Cache.Path != "" && !filepath.IsAbs(c.Cache.Path) {
		return fmt.Errorf("cache.path must be an absolute path: %s", c.Cache.Path)
	}
	if c.Locks.Dir != "" && !filepath.IsAbs(c.Locks.Dir) {
		return fmt.Errorf("locks.dir must be an absolute path: %s", c.Locks.Dir)
	}
	return nil
}

// formatValidationError reports the first failed rule with its config key
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
