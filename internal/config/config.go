package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds everything the client binary needs. Values come from the
// environment, after a best-effort .env load.
type Config struct {
	APIBaseURL      string
	SocketURL       string
	CredentialStyle string
	PrefsPath       string
	LogLevel        string
}

// ServerConfig holds the development server settings.
type ServerConfig struct {
	Address     string
	DatabaseURL string
	JWTSecret   string
	LogLevel    string
}

func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		APIBaseURL:      getEnv("CHAT_API_BASE_URL", "http://localhost:8080/api/v1"),
		SocketURL:       getEnv("CHAT_SOCKET_URL", "ws://localhost:8080"),
		CredentialStyle: getEnv("CHAT_CREDENTIAL_STYLE", "bearer"),
		PrefsPath:       getEnv("CHAT_PREFS_PATH", defaultPrefsPath()),
		LogLevel:        getEnv("CHAT_LOG_LEVEL", "info"),
	}
}

func LoadServer() *ServerConfig {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		panic(err)
	}
	dataDir := filepath.Join(cwd, "data")
	os.MkdirAll(dataDir, 0755)

	return &ServerConfig{
		Address:     getEnv("SERVER_ADDRESS", ":8080"),
		DatabaseURL: getEnv("DATABASE_URL", "sqlite://"+filepath.Join(dataDir, "chatlink.db")),
		JWTSecret:   getEnv("JWT_SECRET", "dev-secret-key"),
		LogLevel:    getEnv("CHAT_LOG_LEVEL", "info"),
	}
}

// CleanDatabasePath returns a plain filesystem path from the database URL.
func (c *ServerConfig) CleanDatabasePath() string {
	dbPath := strings.TrimPrefix(c.DatabaseURL, "sqlite://")
	if !filepath.IsAbs(dbPath) {
		cwd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		dbPath = filepath.Join(cwd, dbPath)
	}
	return dbPath
}

func defaultPrefsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("data", "prefs.db")
	}
	return filepath.Join(home, ".chatlink", "prefs.db")
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
