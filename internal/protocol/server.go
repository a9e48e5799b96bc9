package protocol

import (
	"encoding/base64"
	"fmt"

	"github.com/bytedance/sonic"
)

// ClientKind is the type of a frame sent by the client.
type ClientKind int

const (
	ClientUnknown ClientKind = iota
	ClientAudio
	ClientAuthorization
	ClientTranscribe
	ClientPing
	ClientStopAudio
)

var clientKindNames = [...]string{"unknown", "audio", "authorization", "transcribe", "ping", "stop_audio"}

func (k ClientKind) String() string {
	if k >= 0 && int(k) < len(clientKindNames) {
		return clientKindNames[k]
	}
	return "unknown"
}

// ClientMessage is one normalized client frame, as seen by a server.
type ClientMessage struct {
	Kind       ClientKind
	Audio      []byte
	Commit     bool
	SampleRate int
	Token      string
}

type clientWire struct {
	MessageType string `json:"message_type"`
	Type        string `json:"type"`
	Audio       string `json:"audio_base_64"`
	Commit      bool   `json:"commit"`
	SampleRate  int    `json:"sample_rate"`
	Token       string `json:"token"`
}

// ParseClient decodes a client frame.
func ParseClient(data []byte) (ClientMessage, error) {
	var w clientWire
	if err := sonic.Unmarshal(data, &w); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var m ClientMessage
	switch normalize(firstNonEmpty(w.MessageType, w.Type)) {
	case "input_audio_chunk":
		m.Kind = ClientAudio
		m.Commit = w.Commit
		m.SampleRate = w.SampleRate
		if w.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(w.Audio)
			if err != nil {
				return ClientMessage{}, fmt.Errorf("%w: audio payload: %v", ErrMalformed, err)
			}
			m.Audio = pcm
		}
	case "authorization":
		m.Kind = ClientAuthorization
		m.Token = w.Token
	case "transcribe":
		m.Kind = ClientTranscribe
	case "ping":
		m.Kind = ClientPing
	case "stop_audio":
		m.Kind = ClientStopAudio
	}
	return m, nil
}

type serverWire struct {
	MessageType string `json:"message_type"`
	Text        string `json:"text,omitempty"`
	Audio       string `json:"audio_base_64,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Server builds a server frame of kind k. audio is base64 encoded when
// non-empty. Error frames use the class-specific type name.
func Server(k Kind, text string, audio []byte) []byte {
	w := serverWire{MessageType: k.String(), Text: text}
	if len(audio) > 0 {
		w.Audio = base64.StdEncoding.EncodeToString(audio)
	}
	return mustMarshal(w)
}

// SessionStarted builds the greeting frame.
func SessionStarted(sessionID string) []byte {
	return mustMarshal(serverWire{MessageType: "session_started", SessionID: sessionID})
}

// ServerError builds an error frame for class.
func ServerError(class ErrorClass, message string) []byte {
	typ := "error"
	switch class {
	case ErrorAuth:
		typ = "auth_error"
	case ErrorQuota:
		typ = "quota_exceeded_error"
	}
	return mustMarshal(serverWire{MessageType: typ, Message: message})
}
