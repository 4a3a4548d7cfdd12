package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotNil(t, cfg)
	assert.Equal(t, 5, cfg.AckAccumulationMax)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "max peer id", mutate: func(c *Config) { c.ID = 255; c.Successor1 = 255 }},
		{name: "negative id", mutate: func(c *Config) { c.ID = -1 }, wantErr: true},
		{name: "id too large", mutate: func(c *Config) { c.ID = 256 }, wantErr: true},
		{name: "successor1 too large", mutate: func(c *Config) { c.Successor1 = 300 }, wantErr: true},
		{name: "successor2 negative", mutate: func(c *Config) { c.Successor2 = -4 }, wantErr: true},
		{name: "empty host", mutate: func(c *Config) { c.Host = "" }, wantErr: true},
		{name: "base port zero", mutate: func(c *Config) { c.BasePort = 0 }, wantErr: true},
		{name: "base port leaves no room for ids", mutate: func(c *Config) { c.BasePort = 65400 }, wantErr: true},
		{name: "invalid HTTP port", mutate: func(c *Config) { c.HTTPPort = -1 }, wantErr: true},
		{name: "zero ping interval", mutate: func(c *Config) { c.PingInterval = 0 }, wantErr: true},
		{name: "timeout longer than interval", mutate: func(c *Config) { c.PingTimeout = 2 * c.PingInterval }, wantErr: true},
		{name: "zero accumulation", mutate: func(c *Config) { c.AckAccumulationMax = 0 }, wantErr: true},
		{name: "accumulation beyond sequence space", mutate: func(c *Config) { c.AckAccumulationMax = 255 }, wantErr: true},
		{name: "negative margin", mutate: func(c *Config) { c.RepairMargin = -time.Second }, wantErr: true},
		{name: "zero dial timeout", mutate: func(c *Config) { c.DialTimeout = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigFields(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 50000, cfg.BasePort)
	assert.Equal(t, 0, cfg.HTTPPort)
	assert.Equal(t, time.Second, cfg.PingInterval)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestConfigAddressing(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 50005, cfg.Port(5))
	assert.Equal(t, 50255, cfg.Port(255))
	assert.Equal(t, "127.0.0.1:50150", cfg.Address(150))
	assert.Equal(t, 2*time.Second, cfg.RepairWait())
}
