package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("1.0.43 (Claude Code)\n")
	require.NoError(t, err)
	assert.Equal(t, "1.0.43", v.String())

	v, err = ParseVersion("agent version 2.1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v.Major())

	_, err = ParseVersion("unknown")
	assert.Error(t, err)
}

func TestCheckVersion(t *testing.T) {
	script := writeScript(t, `echo "2.1.0 (agent)"`)

	v, err := CheckVersion(context.Background(), script, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", v.String())

	_, err = CheckVersion(context.Background(), script, "3.0.0")
	assert.ErrorIs(t, err, ErrVersionTooOld)

	_, err = CheckVersion(context.Background(), script+"-missing", "")
	assert.Error(t, err)
}
