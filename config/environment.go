package config

import (
	"os"
	"strings"
)

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"
)

var environmentAliases = map[string]string{
	"prod": environmentProduction,
	"stag": environmentStaging,
}

// AppEnvironment reads the application environment from APP_ENV and
// defaults to development when no value is provided.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// DefaultPath returns the configuration file for the current environment
// when one exists, falling back to the shared default.
func DefaultPath() string {
	base := "config/config.yml"
	envPath := "config/config." + AppEnvironment() + ".yml"
	if _, err := os.Stat(envPath); err == nil {
		return envPath
	}
	return base
}
