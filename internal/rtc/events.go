// Package rtc defines the JSON events exchanged with the remote realtime
// service over the data channel: the outbound session.update and barge-in
// control events, and the inbound speech / transcript / lifecycle events.
//
// The shapes follow the realtime wire protocol exactly; behavioural fields
// are typed, and unknown inbound event types pass through as [ServerEvent]
// values with only Type set so callers can count them as missed.
package rtc

import (
	"encoding/json"
	"fmt"
)

// ── Outbound events ────────────────────────────────────────────────────────────

// SessionUpdate configures the remote session. Sent as the first message on
// every (re)opened data channel and whenever the session config changes.
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionParams `json:"session"`
}

// SessionParams is the session object carried by [SessionUpdate].
type SessionParams struct {
	Modalities         []string       `json:"modalities"`
	InputAudioFormat   string         `json:"input_audio_format"`
	OutputAudioFormat  string         `json:"output_audio_format"`
	Voice              string         `json:"voice,omitempty"`
	Locale             string         `json:"locale,omitempty"`
	InputTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection      *TurnDetection `json:"turn_detection,omitempty"`
}

// Transcription selects the input transcription model.
type Transcription struct {
	Model string `json:"model"`
}

// TurnDetection configures server-side turn detection. For Type "none" the
// remote neither creates nor interrupts responses; the client drives both.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    *bool   `json:"create_response,omitempty"`
	InterruptResponse *bool   `json:"interrupt_response,omitempty"`
	Eagerness         string  `json:"eagerness,omitempty"`
}

// ResponseCancel stops the in-flight model response (barge-in step 1).
type ResponseCancel struct {
	Type string `json:"type"`
}

// OutputAudioBufferClear drops buffered assistant audio (barge-in step 2).
type OutputAudioBufferClear struct {
	Type string `json:"type"`
}

// ResponseCreate asks the remote to produce the next response. Emitted on
// graceful handoff when the turn-detection config leaves creation to the
// client.
type ResponseCreate struct {
	Type string `json:"type"`
}

// NewResponseCancel returns a ready-to-send response.cancel event.
func NewResponseCancel() ResponseCancel {
	return ResponseCancel{Type: "response.cancel"}
}

// NewOutputAudioBufferClear returns a ready-to-send buffer clear event.
func NewOutputAudioBufferClear() OutputAudioBufferClear {
	return OutputAudioBufferClear{Type: "output_audio_buffer.clear"}
}

// NewResponseCreate returns a ready-to-send response.create event.
func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: "response.create"}
}

// SessionUpdateConfig is the engine-side session configuration serialised
// into a [SessionUpdate].
type SessionUpdateConfig struct {
	InputAudioFormat   string
	OutputAudioFormat  string
	Voice              string
	Locale             string
	TranscriptionModel string

	// TurnDetectionType: "server_vad", "semantic_vad", or "none".
	TurnDetectionType string
	Threshold         float64
	PrefixPaddingMs   int
	SilenceDurationMs int
	Eagerness         string
}

// NewSessionUpdate serialises the config into the wire event. Modalities are
// always ["audio","text"]. Turn-detection type "none" forces
// create_response=false and interrupt_response=false (manual mode).
func NewSessionUpdate(cfg SessionUpdateConfig) SessionUpdate {
	params := SessionParams{
		Modalities:        []string{"audio", "text"},
		InputAudioFormat:  orDefault(cfg.InputAudioFormat, "pcm16"),
		OutputAudioFormat: orDefault(cfg.OutputAudioFormat, "pcm16"),
		Voice:             cfg.Voice,
		Locale:            cfg.Locale,
	}
	if cfg.TranscriptionModel != "" {
		params.InputTranscription = &Transcription{Model: cfg.TranscriptionModel}
	}
	switch cfg.TurnDetectionType {
	case "none":
		f := false
		params.TurnDetection = &TurnDetection{
			Type:              "none",
			CreateResponse:    &f,
			InterruptResponse: &f,
		}
	case "server_vad", "semantic_vad":
		params.TurnDetection = &TurnDetection{
			Type:              cfg.TurnDetectionType,
			Threshold:         cfg.Threshold,
			PrefixPaddingMs:   cfg.PrefixPaddingMs,
			SilenceDurationMs: cfg.SilenceDurationMs,
			Eagerness:         cfg.Eagerness,
		}
	}
	return SessionUpdate{Type: "session.update", Session: params}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ── Inbound events ─────────────────────────────────────────────────────────────

// Inbound event type names.
const (
	TypeSpeechStarted       = "input_audio_buffer.speech_started"
	TypeSpeechStopped       = "input_audio_buffer.speech_stopped"
	TypeTranscriptDelta     = "response.output_audio_transcript.delta"
	TypeResponseDone        = "response.done"
	TypeSessionCreated      = "session.created"
	TypeSessionUpdated      = "session.updated"
	TypeInputTransDelta     = "conversation.item.audio_transcription.delta"
	TypeInputTransCompleted = "conversation.item.audio_transcription.completed"
	TypeError               = "error"
)

// ServerErrorDetail is the nested error object in a remote error event.
type ServerErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ServerEvent is the decoded form of one inbound data-channel message. Only
// the fields relevant to the event's Type are populated.
type ServerEvent struct {
	Type string `json:"type"`

	// Speech events.
	AudioStartMs int `json:"audio_start_ms,omitempty"`
	AudioEndMs   int `json:"audio_end_ms,omitempty"`

	// Transcript deltas and finals.
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	ItemID     string `json:"item_id,omitempty"`

	// Response lifecycle.
	ResponseID string `json:"response_id,omitempty"`

	// Session lifecycle.
	SessionID string `json:"session_id,omitempty"`

	// Error event.
	Error *ServerErrorDetail `json:"error,omitempty"`
}

// ParseServerEvent decodes one inbound message. Messages without a type are
// rejected; unknown types decode successfully so callers can track them.
func ParseServerEvent(data []byte) (*ServerEvent, error) {
	var evt ServerEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("rtc: decode server event: %w", err)
	}
	if evt.Type == "" {
		return nil, fmt.Errorf("rtc: server event missing type")
	}
	return &evt, nil
}

// Marshal encodes any outbound event as a JSON message.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rtc: marshal: %w", err)
	}
	return data, nil
}
