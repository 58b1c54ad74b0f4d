package roomchat

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
)

// dotEnvFiles are loaded, when present, before the configuration is read.
// Variables already set in the environment take precedence.
var dotEnvFiles = []string{".env"}

func loadDotEnv() error {
	for _, f := range dotEnvFiles {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}
