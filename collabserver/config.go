package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bringyour/collab/collab/server"
)

// Config is the collabserver settings file. Unset fields keep the server defaults.
//
//	port: 8080
//	public_url: wss://collab.example.com
//	jwt_secret: <hex>
//	token_ttl: 15m
//	ping_timeout: 5s
//	read_timeout: 30s
//	write_timeout: 5s
type Config struct {
	Port         int           `yaml:"port,omitempty"`
	PublicUrl    string        `yaml:"public_url,omitempty"`
	JwtSecret    string        `yaml:"jwt_secret,omitempty"`
	TokenTtl     time.Duration `yaml:"token_ttl,omitempty"`
	PingTimeout  time.Duration `yaml:"ping_timeout,omitempty"`
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (*Config, error) {
	config := &Config{}
	if err := yaml.Unmarshal(b, config); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return config, nil
}

// overlays the config on the default server settings
func (self *Config) Settings() (*server.Settings, error) {
	settings := server.DefaultSettings()
	if self.PublicUrl != "" {
		settings.PublicUrl = self.PublicUrl
	}
	if self.JwtSecret != "" {
		jwtSecret, err := hex.DecodeString(self.JwtSecret)
		if err != nil {
			return nil, fmt.Errorf("jwt_secret must be hex: %w", err)
		}
		settings.JwtSecret = jwtSecret
	}
	if 0 < self.TokenTtl {
		settings.TokenTtl = self.TokenTtl
	}
	if 0 < self.PingTimeout {
		settings.PingTimeout = self.PingTimeout
	}
	if 0 < self.ReadTimeout {
		settings.ReadTimeout = self.ReadTimeout
	}
	if 0 < self.WriteTimeout {
		settings.WriteTimeout = self.WriteTimeout
	}
	return settings, nil
}
