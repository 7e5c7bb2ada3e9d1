package kafka

import (
	"encoding/json"
	"testing"
	"time"

	id "trustcore/pkg/domain"
	audit "trustcore/pkg/platform/audit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresBrokersAndTopic(t *testing.T) {
	_, err := New(Config{Topic: "audit"})
	require.Error(t, err)

	_, err = New(Config{Brokers: []string{"localhost:9092"}})
	require.Error(t, err)
}

func TestEncode_KeysByIdentity(t *testing.T) {
	identityID := id.NewIdentityID()
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	key, value, err := encode(audit.Event{
		Category:   audit.CategorySecurity,
		Timestamp:  ts,
		IdentityID: identityID,
		Action:     string(audit.EventSuspiciousAddress),
		IP:         "10.0.0.9",
	})
	require.NoError(t, err)
	assert.Equal(t, identityID.String(), string(key))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(value, &decoded))
	assert.Equal(t, "security", decoded["category"])
	assert.Equal(t, "suspicious_address_flagged", decoded["action"])
	assert.Equal(t, "10.0.0.9", decoded["ip"])
	assert.Equal(t, identityID.String(), decoded["identityId"])
}

func TestEncode_NoIdentityHasNoKey(t *testing.T) {
	key, value, err := encode(audit.Event{Action: "noop"})
	require.NoError(t, err)
	assert.Nil(t, key)
	assert.NotContains(t, string(value), "identityId")
}
