package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidator(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateLogLevel("debug"))
	assert.Error(t, v.ValidateLogLevel("trace"))

	assert.NoError(t, v.ValidateAgentFormat("canonical"))
	assert.Error(t, v.ValidateAgentFormat("openai"))

	assert.NoError(t, v.ValidateSchedule("@every 5s"))
	assert.NoError(t, v.ValidateSchedule("*/2 * * * *"))
	assert.Error(t, v.ValidateSchedule("sometimes"))

	assert.NoError(t, v.ValidateMinVersion(""))
	assert.NoError(t, v.ValidateMinVersion("1.2.3"))
	assert.Error(t, v.ValidateMinVersion("not-a-version"))

	assert.NoError(t, v.ValidatePort(8080))
	assert.Error(t, v.ValidatePort(0))
	assert.Error(t, v.ValidatePort(70000))
}

func TestValidateConfigCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "loud"
	cfg.Agent.Format = "xml"
	cfg.Gateway.Port = -1

	errs := NewValidator().ValidateConfig(cfg)
	assert.Len(t, errs, 3)
}
