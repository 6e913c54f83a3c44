package env

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var Env map[string]string

// ErrNoEnvFile is returned by SetupEnvFile when none of the candidate files exists.
var ErrNoEnvFile = errors.New("no .env file found in any of the expected locations")

func GetEnv(key, def string) string {
	// First check our loaded Env map
	if val, ok := Env[key]; ok {
		return val
	}
	// Fallback to OS environment variables (for Docker/tests)
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// GetInt returns the integer value of key, or def when unset or malformed.
func GetInt(key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(GetEnv(key, "")))
	if err != nil {
		return def
	}
	return v
}

// GetFloat returns the float value of key, or def when unset or malformed.
func GetFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(GetEnv(key, "")), 64)
	if err != nil {
		return def
	}
	return v
}

// GetBool accepts the forms strconv.ParseBool does.
func GetBool(key string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(GetEnv(key, "")))
	if err != nil {
		return def
	}
	return v
}

// GetDuration parses Go duration strings ("90s", "1h"). A bare number is read as seconds.
func GetDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(GetEnv(key, ""))
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// SetupEnvFile loads the first .env file found. Without one, values come from
// the process environment only.
func SetupEnvFile() error {
	envFiles := []string{
		".env",          // Current directory
		"../../.env",    // From cmd/posbridge to project root
		"../../../.env", // Fallback for deeper nesting
	}

	var err error
	for _, envFile := range envFiles {
		Env, err = godotenv.Read(envFile)
		if err == nil {
			return nil
		}
	}

	Env = map[string]string{}
	return ErrNoEnvFile
}

func IsDev() bool {
	return GetEnv("APP_ENV", "prod") == "dev"
}
