package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telegrid/sessioncore/pkg/credential"
)

func TestRun_NoArgsPrintsUsage(t *testing.T) {
	var out strings.Builder
	err := run(nil, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Usage: sessioncorectl")
}

func TestRun_UnknownCommand(t *testing.T) {
	var out strings.Builder
	err := run([]string{"frobnicate"}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frobnicate")
}

func TestRun_DecodeRequiresArgument(t *testing.T) {
	var out strings.Builder
	err := run([]string{"decode"}, &out)
	assert.Error(t, err)
}

func TestRun_Decode(t *testing.T) {
	key := make([]byte, credential.AuthKeySize)
	s, err := credential.EncodeSessionString(&credential.Credential{
		OwnerID: 777,
		DCID:    4,
		APIID:   1234,
		AuthKey: key,
		UserID:  777,
		IsBot:   true,
	})
	require.NoError(t, err)

	var out strings.Builder
	require.NoError(t, run([]string{"decode", s}, &out))
	assert.Contains(t, out.String(), "dc=4")
	assert.Contains(t, out.String(), "api=1234")
	assert.Contains(t, out.String(), "user=777")
	assert.Contains(t, out.String(), "bot")
	assert.NotContains(t, out.String(), "test")
}

func TestRun_DecodeRejectsGarbage(t *testing.T) {
	var out strings.Builder
	err := run([]string{"decode", "not-a-session-string"}, &out)
	assert.Error(t, err)
}

func TestRun_DBCommandsRequireDSN(t *testing.T) {
	// Without a config file there is no DSN to connect with.
	var out strings.Builder
	err := run([]string{"migrate"}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.dsn")
}

func TestFormatCredential(t *testing.T) {
	line := formatCredential(&credential.Credential{
		OwnerID:  42,
		DCID:     2,
		APIID:    1234,
		UserID:   42,
		TestMode: true,
	})
	assert.Equal(t, "owner=42 dc=2 api=1234 user=42 test", line)
}
