package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePort(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		port    int
		wantErr bool
	}{
		{"valid port", 8080, false},
		{"zero port", 0, true},
		{"negative port", -1, true},
		{"too large", 70000, true},
		{"max port", 65535, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidatePort(tt.port)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateLogLevel("debug"))
	assert.NoError(t, v.ValidateLogLevel("info"))
	assert.Error(t, v.ValidateLogLevel(""))
	assert.Error(t, v.ValidateLogLevel("loud"))
}

func TestValidate(t *testing.T) {
	v := NewValidator()

	cfg := DefaultConfig()
	assert.NoError(t, v.Validate(cfg))

	cfg.Server.Port = 0
	assert.Error(t, v.Validate(cfg))

	cfg = DefaultConfig()
	cfg.Store.WriteQueueSize = -1
	assert.Error(t, v.Validate(cfg))
}
