// ABOUTME: Wire types for the assistant websocket protocol (auth, pipeline run, pipeline list).
// ABOUTME: Encodes outbound requests and decodes the inbound events the session dispatches on.

package assist

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound message types.
const (
	typeAuthRequired = "auth_required"
	typeAuthOK       = "auth_ok"
	typeAuthInvalid  = "auth_invalid"
	typeResult       = "result"
	typeEvent        = "event"
)

// Outbound message types.
const (
	typeAuth         = "auth"
	typePipelineRun  = "assist_pipeline/run"
	typePipelineList = "assist_pipeline/pipeline/list"
)

// Pipeline event types carried in event.type.
const (
	eventRunStart    = "run-start"
	eventIntentStart = "intent-start"
	eventIntentEnd   = "intent-end"
	eventRunEnd      = "run-end"
	eventError       = "error"
)

// stageIntent runs the pipeline text-in, text-out with no speech stages.
const stageIntent = "intent"

// errMalformed marks an inbound payload the dispatcher could not interpret.
var errMalformed = errors.New("malformed message")

type authMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

type listRequest struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type runInput struct {
	Text string `json:"text"`
}

// runRequest is the pipeline run request. ConversationID is a pointer so that
// a fresh conversation is sent as an explicit JSON null.
type runRequest struct {
	ID             int64    `json:"id"`
	Type           string   `json:"type"`
	StartStage     string   `json:"start_stage"`
	EndStage       string   `json:"end_stage"`
	Input          runInput `json:"input"`
	ConversationID *string  `json:"conversation_id"`
	Pipeline       string   `json:"pipeline,omitempty"`
}

func newRunRequest(id int64, text string, conversationID *string, pipeline string) runRequest {
	return runRequest{
		ID:             id,
		Type:           typePipelineRun,
		StartStage:     stageIntent,
		EndStage:       stageIntent,
		Input:          runInput{Text: text},
		ConversationID: conversationID,
		Pipeline:       pipeline,
	}
}

// inbound is the envelope shared by every server message. Fields not relevant
// to a given type stay zero.
type inbound struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Message string          `json:"message,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *resultError    `json:"error,omitempty"`
	Event   *pipelineEvent  `json:"event,omitempty"`
}

type resultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type pipelineEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type intentEndData struct {
	IntentOutput *struct {
		ConversationID *string `json:"conversation_id"`
		Response       *struct {
			Speech *struct {
				Plain *struct {
					Speech *string `json:"speech"`
				} `json:"plain"`
			} `json:"speech"`
		} `json:"response"`
	} `json:"intent_output"`
}

type errorEventData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type pipelineListResult struct {
	Pipelines         []Agent `json:"pipelines"`
	PreferredPipeline string  `json:"preferred_pipeline"`
}

// Agent describes an assistant pipeline as returned by the list operation.
type Agent struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	Language             string `json:"language,omitempty"`
	ConversationEngine   string `json:"conversation_engine,omitempty"`
	ConversationLanguage string `json:"conversation_language,omitempty"`
	STTEngine            string `json:"stt_engine,omitempty"`
	TTSEngine            string `json:"tts_engine,omitempty"`
}

// AgentList is the pipeline list snapshot.
type AgentList struct {
	Agents    []Agent
	Preferred string
}

// decodeInbound parses one server message.
func decodeInbound(data []byte) (*inbound, error) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", errMalformed)
	}
	return &msg, nil
}

// intentOutput extracts the speech text and conversation id of an intent-end
// event. Both fields must be present.
func intentOutput(data json.RawMessage) (speech, conversationID string, err error) {
	if len(data) == 0 {
		return "", "", fmt.Errorf("%w: intent-end without data", errMalformed)
	}
	var d intentEndData
	if err := json.Unmarshal(data, &d); err != nil {
		return "", "", fmt.Errorf("%w: %v", errMalformed, err)
	}
	out := d.IntentOutput
	if out == nil || out.Response == nil || out.Response.Speech == nil ||
		out.Response.Speech.Plain == nil || out.Response.Speech.Plain.Speech == nil {
		return "", "", fmt.Errorf("%w: intent-end without speech", errMalformed)
	}
	speech = *out.Response.Speech.Plain.Speech
	if out.ConversationID == nil {
		return speech, "", fmt.Errorf("%w: intent-end without conversation_id", errMalformed)
	}
	return speech, *out.ConversationID, nil
}

func decodeErrorEvent(data json.RawMessage) errorEventData {
	var d errorEventData
	_ = json.Unmarshal(data, &d)
	return d
}

func decodePipelineList(raw json.RawMessage) (AgentList, error) {
	if len(raw) == 0 {
		return AgentList{}, fmt.Errorf("%w: list result without payload", errMalformed)
	}
	var res pipelineListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return AgentList{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return AgentList{Agents: res.Pipelines, Preferred: res.PreferredPipeline}, nil
}
