package protocol

import (
	"encoding/base64"

	"github.com/bytedance/sonic"
)

type audioChunk struct {
	MessageType string `json:"message_type"`
	Audio       string `json:"audio_base_64"`
	Commit      bool   `json:"commit"`
	SampleRate  int    `json:"sample_rate"`
}

type typed struct {
	Type           string `json:"type,omitempty"`
	MessageType    string `json:"message_type,omitempty"`
	Token          string `json:"token,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// AudioChunk builds an input_audio_chunk frame. Commit frames carry no audio.
func AudioChunk(pcm []byte, commit bool, sampleRate int) ([]byte, error) {
	return sonic.Marshal(audioChunk{
		MessageType: "input_audio_chunk",
		Audio:       base64.StdEncoding.EncodeToString(pcm),
		Commit:      commit,
		SampleRate:  sampleRate,
	})
}

// Authorization builds the frame sent right after the socket opens.
func Authorization(token string) []byte {
	return mustMarshal(typed{Type: "authorization", Token: token})
}

// Transcribe asks the service to finalize the committed utterance.
func Transcribe() []byte {
	return mustMarshal(typed{Type: "transcribe", ResponseFormat: "verbose"})
}

// Ping builds a keepalive frame.
func Ping() []byte {
	return mustMarshal(typed{MessageType: "ping"})
}

// StopAudio tells the service to halt generation for the current turn.
func StopAudio() []byte {
	return mustMarshal(typed{MessageType: "stop_audio"})
}

// mustMarshal encodes values whose shape cannot fail to encode.
func mustMarshal(v any) []byte {
	b, err := sonic.Marshal(v)
	if err != nil {
		panic("protocol: marshal " + err.Error())
	}
	return b
}
