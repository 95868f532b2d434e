package recipebox

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const EnvPrefix = "RECIPEBOX_"

// LoadRuntimeConfig reads RECIPEBOX_* variables, after loading the given
// dotenv files (".env" when none are named). Missing dotenv files are ignored
// and never override variables already set.
func LoadRuntimeConfig(dotenvFiles ...string) (RuntimeConfig, error) {
	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{".env"}
	}
	for _, file := range dotenvFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return RuntimeConfig{}, fmt.Errorf("recipebox config: load %s: %w", file, err)
		}
	}

	var runtime RuntimeConfig
	if err := env.ParseWithOptions(&runtime, env.Options{Prefix: EnvPrefix}); err != nil {
		return RuntimeConfig{}, fmt.Errorf("recipebox config: parse environment: %w", err)
	}
	return runtime, nil
}
