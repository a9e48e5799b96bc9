package protocol_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/MrWong99/voxlink/internal/protocol"
)

func TestParse_Discriminators(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want protocol.Kind
	}{
		{"message_type", `{"message_type":"session_started"}`, protocol.KindSessionStarted},
		{"type", `{"type":"partial_transcript","text":"hel"}`, protocol.KindPartialTranscript},
		{"event", `{"event":"committed_transcript","text":"hello"}`, protocol.KindCommittedTranscript},
		{"mixed case", `{"type":"Partial-Response"}`, protocol.KindPartialResponse},
		{"audio final", `{"message_type":"audio_final"}`, protocol.KindAudioFinal},
		{"response", `{"type":"response","text":"hi"}`, protocol.KindResponse},
		{"pong", `{"message_type":"pong"}`, protocol.KindPong},
		{"navigate", `{"type":"navigate","target":"/calendar"}`, protocol.KindAction},
		{"action field", `{"type":"ui_update","action":"open_settings"}`, protocol.KindAction},
		{"unknown", `{"type":"telemetry"}`, protocol.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := protocol.Parse([]byte(tt.in))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if msg.Kind != tt.want {
				t.Errorf("Kind = %v, want %v", msg.Kind, tt.want)
			}
		})
	}
}

func TestParse_AudioAliases(t *testing.T) {
	payload := []byte{0xFF, 0xFB, 0x10, 0x20}
	enc := base64.StdEncoding.EncodeToString(payload)
	for _, field := range []string{"audio_base_64", "audio", "audio_base64"} {
		t.Run(field, func(t *testing.T) {
			frame, _ := json.Marshal(map[string]any{"message_type": "audio_chunk", field: enc})
			msg, err := protocol.Parse(frame)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if msg.Kind != protocol.KindAudioChunk {
				t.Errorf("Kind = %v", msg.Kind)
			}
			if !bytes.Equal(msg.Audio, payload) {
				t.Errorf("Audio = %v, want %v", msg.Audio, payload)
			}
		})
	}
}

func TestParse_TextAliases(t *testing.T) {
	for _, field := range []string{"text", "transcript", "delta", "response"} {
		frame, _ := json.Marshal(map[string]any{"type": "partial_response", field: "abc"})
		msg, err := protocol.Parse(frame)
		if err != nil {
			t.Fatalf("%s: %v", field, err)
		}
		if msg.Text != "abc" {
			t.Errorf("%s: Text = %q", field, msg.Text)
		}
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		in   string
		want protocol.ErrorClass
		text string
	}{
		{`{"type":"auth_error","message":"bad token"}`, protocol.ErrorAuth, "bad token"},
		{`{"message_type":"quota_exceeded_error"}`, protocol.ErrorQuota, ""},
		{`{"type":"error","error":"boom"}`, protocol.ErrorGeneric, "boom"},
		{`{"type":"error","error":{"message":"over quota"}}`, protocol.ErrorQuota, "over quota"},
		{`{"type":"error","error_type":"auth_error"}`, protocol.ErrorAuth, ""},
	}
	for _, tt := range tests {
		msg, err := protocol.Parse([]byte(tt.in))
		if err != nil {
			t.Fatalf("Parse(%s): %v", tt.in, err)
		}
		if msg.Kind != protocol.KindError || msg.ErrorClass != tt.want || msg.Text != tt.text {
			t.Errorf("Parse(%s) = %v/%v/%q, want error/%v/%q", tt.in, msg.Kind, msg.ErrorClass, msg.Text, tt.want, tt.text)
		}
	}
}

func TestParse_ResponseFailed(t *testing.T) {
	msg, err := protocol.Parse([]byte(`{"type":"response","text":"sorry","is_error":true}`))
	if err != nil {
		t.Fatal(err)
	}
	if !msg.Failed {
		t.Error("is_error response not flagged")
	}
	msg, _ = protocol.Parse([]byte(`{"type":"response","text":"ok","error":null}`))
	if msg.Failed {
		t.Error("null error flagged as failure")
	}
}

func TestParse_Malformed(t *testing.T) {
	for _, in := range []string{`not json`, `{"text":"no type"}`, `{"type":"audio_chunk","audio":"!!!"}`} {
		if _, err := protocol.Parse([]byte(in)); !errors.Is(err, protocol.ErrMalformed) {
			t.Errorf("Parse(%s): err = %v, want ErrMalformed", in, err)
		}
	}
}

func TestIsPong(t *testing.T) {
	if !protocol.IsPong([]byte(`{"message_type":"pong"}`)) || !protocol.IsPong([]byte(`{"type":"pong"}`)) {
		t.Error("pong not recognized")
	}
	if protocol.IsPong([]byte(`{"type":"response","text":"pong"}`)) {
		t.Error("response mentioning pong recognized as pong")
	}
}

func TestOutbound(t *testing.T) {
	frame, err := protocol.AudioChunk([]byte{1, 2, 3, 4}, false, 16000)
	if err != nil {
		t.Fatal(err)
	}
	var chunk map[string]any
	if err := json.Unmarshal(frame, &chunk); err != nil {
		t.Fatal(err)
	}
	if chunk["message_type"] != "input_audio_chunk" || chunk["audio_base_64"] != "AQIDBA==" ||
		chunk["commit"] != false || chunk["sample_rate"] != float64(16000) {
		t.Errorf("audio chunk = %v", chunk)
	}

	commit, _ := protocol.AudioChunk(nil, true, 16000)
	var c map[string]any
	_ = json.Unmarshal(commit, &c)
	if c["commit"] != true || c["audio_base_64"] != "" {
		t.Errorf("commit chunk = %v", c)
	}

	checks := []struct {
		frame []byte
		key   string
		value string
	}{
		{protocol.Authorization("tok"), "type", "authorization"},
		{protocol.Authorization("tok"), "token", "tok"},
		{protocol.Transcribe(), "type", "transcribe"},
		{protocol.Transcribe(), "response_format", "verbose"},
		{protocol.Ping(), "message_type", "ping"},
		{protocol.StopAudio(), "message_type", "stop_audio"},
	}
	for _, ck := range checks {
		var m map[string]any
		if err := json.Unmarshal(ck.frame, &m); err != nil {
			t.Fatal(err)
		}
		if m[ck.key] != ck.value {
			t.Errorf("%s: %s = %v, want %q", ck.frame, ck.key, m[ck.key], ck.value)
		}
	}
}

func TestServerRoundTrip(t *testing.T) {
	msg, err := protocol.Parse(protocol.Server(protocol.KindAudioChunk, "", []byte{9, 8}))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Kind != protocol.KindAudioChunk || !bytes.Equal(msg.Audio, []byte{9, 8}) {
		t.Errorf("audio chunk round trip = %+v", msg)
	}
	msg, _ = protocol.Parse(protocol.ServerError(protocol.ErrorQuota, "limit"))
	if msg.ErrorClass != protocol.ErrorQuota || msg.Text != "limit" {
		t.Errorf("error round trip = %+v", msg)
	}

	frame, _ := protocol.AudioChunk([]byte{5, 6}, true, 16000)
	cm, err := protocol.ParseClient(frame)
	if err != nil {
		t.Fatal(err)
	}
	if cm.Kind != protocol.ClientAudio || !cm.Commit || !bytes.Equal(cm.Audio, []byte{5, 6}) {
		t.Errorf("client chunk = %+v", cm)
	}
	if cm, _ := protocol.ParseClient(protocol.StopAudio()); cm.Kind != protocol.ClientStopAudio {
		t.Errorf("stop_audio kind = %v", cm.Kind)
	}
}
