package web

import (
	"github.com/viasinal/cadmatch/internal/config"
)

// Config represents the web server configuration
type Config struct {
	Server ServerConfig
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host string
	Port int
}

// ConfigFromEnv builds the server configuration from the environment.
func ConfigFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Host: config.GetEnv("HTTP_HOST", "0.0.0.0"),
			Port: config.GetEnvInt("HTTP_PORT", 8080),
		},
	}
}
