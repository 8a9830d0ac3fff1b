// ABOUTME: Tests for wire encoding of outbound requests and decoding of inbound events.

package assist

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRequest_Encoding(t *testing.T) {
	t.Run("new conversation is explicit null", func(t *testing.T) {
		data, err := json.Marshal(newRunRequest(7, "lights on", nil, ""))
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"id": 7,
			"type": "assist_pipeline/run",
			"start_stage": "intent",
			"end_stage": "intent",
			"input": {"text": "lights on"},
			"conversation_id": null
		}`, string(data))
	})

	t.Run("existing conversation and pipeline", func(t *testing.T) {
		conv := "01HXCONV"
		data, err := json.Marshal(newRunRequest(8, "and off", &conv, "01LLM"))
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"id": 8,
			"type": "assist_pipeline/run",
			"start_stage": "intent",
			"end_stage": "intent",
			"input": {"text": "and off"},
			"conversation_id": "01HXCONV",
			"pipeline": "01LLM"
		}`, string(data))
	})
}

func TestDecodeInbound(t *testing.T) {
	msg, err := decodeInbound([]byte(`{"type":"auth_required","ha_version":"2026.10.0"}`))
	require.NoError(t, err)
	assert.Equal(t, typeAuthRequired, msg.Type)

	_, err = decodeInbound([]byte(`{"id":1}`))
	assert.ErrorIs(t, err, errMalformed)

	_, err = decodeInbound([]byte(`<html>`))
	assert.ErrorIs(t, err, errMalformed)
}

func TestIntentOutput(t *testing.T) {
	tests := []struct {
		name       string
		data       string
		wantSpeech string
		wantConv   string
		wantErr    bool
	}{
		{
			name:       "complete",
			data:       `{"intent_output":{"conversation_id":"c1","response":{"speech":{"plain":{"speech":"Turned on the lights"}}}}}`,
			wantSpeech: "Turned on the lights",
			wantConv:   "c1",
		},
		{
			name:       "empty speech is valid",
			data:       `{"intent_output":{"conversation_id":"c1","response":{"speech":{"plain":{"speech":""}}}}}`,
			wantSpeech: "",
			wantConv:   "c1",
		},
		{
			name:       "missing conversation id keeps speech",
			data:       `{"intent_output":{"response":{"speech":{"plain":{"speech":"hi"}}}}}`,
			wantSpeech: "hi",
			wantErr:    true,
		},
		{
			name:    "missing speech",
			data:    `{"intent_output":{"conversation_id":"c1","response":{"speech":{}}}}`,
			wantErr: true,
		},
		{
			name:    "missing intent output",
			data:    `{}`,
			wantErr: true,
		},
		{
			name:    "wrong shape",
			data:    `{"intent_output":"nope"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			speech, conv, err := intentOutput(json.RawMessage(tt.data))
			if tt.wantErr {
				assert.ErrorIs(t, err, errMalformed)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantSpeech, speech)
			assert.Equal(t, tt.wantConv, conv)
		})
	}

	_, _, err := intentOutput(nil)
	assert.ErrorIs(t, err, errMalformed)
}

func TestDecodePipelineList(t *testing.T) {
	list, err := decodePipelineList(json.RawMessage(`{
		"pipelines": [
			{"id": "01A", "name": "Home Assistant", "language": "en", "conversation_engine": "conversation.home_assistant"},
			{"id": "01B", "name": "Ollama", "language": "de"}
		],
		"preferred_pipeline": "01B"
	}`))
	require.NoError(t, err)
	require.Len(t, list.Agents, 2)
	assert.Equal(t, Agent{ID: "01A", Name: "Home Assistant", Language: "en", ConversationEngine: "conversation.home_assistant"}, list.Agents[0])
	assert.Equal(t, "01B", list.Preferred)

	_, err = decodePipelineList(nil)
	assert.ErrorIs(t, err, errMalformed)
}
