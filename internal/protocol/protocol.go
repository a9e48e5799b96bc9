// Package protocol implements the JSON wire format spoken with the remote
// speech service.
//
// Inbound frames arrive with their discriminator under any of message_type,
// type or event, and with audio under any of audio_base_64, audio or
// audio_base64. [Parse] folds every alias into a single tagged [Message] so
// nothing past this package ever sees the raw shapes.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// ErrMalformed is returned by Parse for frames that are not valid messages.
var ErrMalformed = errors.New("protocol: malformed frame")

// Kind is the normalized inbound message type.
type Kind int

const (
	KindUnknown Kind = iota
	KindSessionStarted
	KindPartialTranscript
	KindCommittedTranscript
	KindPartialResponse
	KindAudioChunk
	KindAudioFinal
	KindResponse
	KindPong
	KindError
	KindAction
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindSessionStarted:      "session_started",
	KindPartialTranscript:   "partial_transcript",
	KindCommittedTranscript: "committed_transcript",
	KindPartialResponse:     "partial_response",
	KindAudioChunk:          "audio_chunk",
	KindAudioFinal:          "audio_final",
	KindResponse:            "response",
	KindPong:                "pong",
	KindError:               "error",
	KindAction:              "action",
}

// String returns the canonical wire name of k.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ErrorClass distinguishes upstream failures. None of them are retried.
type ErrorClass int

const (
	ErrorGeneric ErrorClass = iota
	ErrorAuth
	ErrorQuota
)

// String returns the class name used in logs and metrics.
func (c ErrorClass) String() string {
	switch c {
	case ErrorAuth:
		return "auth"
	case ErrorQuota:
		return "quota"
	default:
		return "generic"
	}
}

// Message is one normalized inbound message.
type Message struct {
	Kind Kind

	// Type is the normalized discriminator as received, e.g. "auth_error"
	// or "navigate".
	Type string

	// Text carries transcript, response or error text.
	Text string

	// Audio is the decoded audio payload, if any.
	Audio []byte

	// ErrorClass is set for KindError.
	ErrorClass ErrorClass

	// Failed marks a response flagged as an error by the service.
	Failed bool

	// Action names the action for KindAction.
	Action string

	// Raw is the original frame, forwarded verbatim for actions.
	Raw []byte
}

// actionTypes are discriminators that are always actions.
var actionTypes = map[string]bool{
	"navigate":        true,
	"calendar_intent": true,
	"summary_ready":   true,
}

var coreTypes = map[string]Kind{
	"session_started":      KindSessionStarted,
	"partial_transcript":   KindPartialTranscript,
	"committed_transcript": KindCommittedTranscript,
	"partial_response":     KindPartialResponse,
	"audio_chunk":          KindAudioChunk,
	"audio_final":          KindAudioFinal,
	"response":             KindResponse,
	"pong":                 KindPong,
	"error":                KindError,
	"auth_error":           KindError,
	"quota_exceeded_error": KindError,
}

// inbound is the union of every field any inbound variant may carry.
type inbound struct {
	MessageType string `json:"message_type"`
	Type        string `json:"type"`
	Event       string `json:"event"`

	AudioB64Underscore string `json:"audio_base_64"`
	Audio              string `json:"audio"`
	AudioB64           string `json:"audio_base64"`

	Text       string `json:"text"`
	Transcript string `json:"transcript"`
	Delta      string `json:"delta"`
	Response   string `json:"response"`
	Message    string `json:"message"`

	Error     json.RawMessage `json:"error"`
	ErrorType string          `json:"error_type"`
	IsError   bool            `json:"is_error"`

	Action string `json:"action"`
}

// Parse decodes one text frame.
func Parse(data []byte) (Message, error) {
	var in inbound
	if err := sonic.Unmarshal(data, &in); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	disc := normalize(firstNonEmpty(in.MessageType, in.Type, in.Event))
	msg := Message{Type: disc, Raw: data}

	kind, known := coreTypes[disc]
	switch {
	case actionTypes[disc]:
		msg.Kind = KindAction
		msg.Action = disc
	case known:
		msg.Kind = kind
	case in.Action != "":
		msg.Kind = KindAction
		msg.Action = in.Action
	case disc == "":
		return Message{}, fmt.Errorf("%w: missing type discriminator", ErrMalformed)
	default:
		msg.Kind = KindUnknown
	}

	msg.Text = firstNonEmpty(in.Text, in.Transcript, in.Delta, in.Response, in.Message)

	if b64 := firstNonEmpty(in.AudioB64Underscore, in.Audio, in.AudioB64); b64 != "" {
		audio, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return Message{}, fmt.Errorf("%w: audio payload: %v", ErrMalformed, err)
		}
		msg.Audio = audio
	}

	errText := errorText(in.Error)
	switch msg.Kind {
	case KindError:
		msg.ErrorClass = classify(disc, in.ErrorType, errText)
		if msg.Text == "" {
			msg.Text = errText
		}
	case KindResponse:
		msg.Failed = in.IsError || errText != ""
	}
	return msg, nil
}

// IsPong reports whether data is a pong frame. It is cheaper than Parse and
// is used on the keepalive path.
func IsPong(data []byte) bool {
	if !strings.Contains(string(data), "pong") {
		return false
	}
	var in inbound
	if err := sonic.Unmarshal(data, &in); err != nil {
		return false
	}
	return normalize(firstNonEmpty(in.MessageType, in.Type, in.Event)) == "pong"
}

// ParseBinary wraps a binary frame as an audio chunk.
func ParseBinary(data []byte) Message {
	return Message{Kind: KindAudioChunk, Type: "audio_chunk", Audio: data}
}

func classify(disc, errorType, text string) ErrorClass {
	for _, s := range []string{disc, normalize(errorType)} {
		switch s {
		case "auth_error", "unauthorized", "authentication_error":
			return ErrorAuth
		case "quota_exceeded_error", "quota_exceeded", "rate_limited":
			return ErrorQuota
		}
	}
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "quota"):
		return ErrorQuota
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "authentication"):
		return ErrorAuth
	}
	return ErrorGeneric
}

// errorText extracts a message from an "error" field that may be a string, an
// object with a message, or absent.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "false" {
		return ""
	}
	var s string
	if err := sonic.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	}
	if err := sonic.Unmarshal(raw, &obj); err == nil {
		return firstNonEmpty(obj.Message, obj.Type, string(raw))
	}
	return string(raw)
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
