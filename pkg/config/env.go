package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/joho/godotenv"
)

// {NAME} placeholders, resolved against the merged anchor env then the
// process environment.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadEnvFiles loads .env files into the process environment. Missing files
// are skipped; existing process variables are never overwritten.
func LoadEnvFiles(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
	}
	return nil
}

// ExpandPlaceholders substitutes {NAME} placeholders in s. Lookup order:
// the provided env map, then the process environment. Unresolved
// placeholders are left untouched.
func ExpandPlaceholders(s string, env map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[1 : len(match)-1]
		if value, ok := env[name]; ok {
			return value
		}
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

// ExpandPlaceholdersSlice expands every element of a string slice.
func ExpandPlaceholdersSlice(values []string, env map[string]string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = ExpandPlaceholders(v, env)
	}
	return out
}

// ExpandPlaceholdersMap expands every value of a string map.
func ExpandPlaceholdersMap(values map[string]string, env map[string]string) map[string]string {
	if values == nil {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = ExpandPlaceholders(v, env)
	}
	return out
}

// envBool reads a boolean environment variable with a default.
func envBool(name string, fallback bool) bool {
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return fallback
	}
	switch value {
	case "1", "true", "TRUE", "True", "yes", "on":
		return true
	case "0", "false", "FALSE", "False", "no", "off":
		return false
	default:
		return fallback
	}
}
