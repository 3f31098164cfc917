package relay

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"event":"send_message","data":{"content":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventSendMessage, env.Event)
	assert.JSONEq(t, `{"content":"hi"}`, string(env.Data))
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	cases := map[string]string{
		"not json":      `hello there`,
		"missing event": `{"data":{}}`,
		"empty event":   `{"event":"","data":{}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	convID := uuid.New()
	frame, err := Encode(EventConversationStarted, ConversationStartedPayload{ConversationID: convID})
	require.NoError(t, err)

	env, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, EventConversationStarted, env.Event)

	var payload ConversationStartedPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, convID, payload.ConversationID)
}

func TestInboundPayloadRejectsMalformedUUID(t *testing.T) {
	var p JoinConversationPayload
	err := json.Unmarshal([]byte(`{"conversation_id":"not-a-uuid"}`), &p)
	assert.Error(t, err)
}
