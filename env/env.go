package env

import (
	"os"
	"sync"

	"github.com/joho/godotenv"
)

type Environment string

const (
	Local      Environment = "local"
	Production Environment = "production"
)

var loadOnce sync.Once

// Load reads a .env file from the working directory once per process.
// A missing file is not an error; the process environment always wins.
func Load(files ...string) {
	loadOnce.Do(func() {
		_ = godotenv.Load(files...)
	})
}

func IsLocal() bool {
	return Get() == Local
}

func Get() Environment {
	return Environment(os.Getenv("ENVIRONMENT"))
}

func GetOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
