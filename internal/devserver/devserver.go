// Package devserver implements a loopback speech service that speaks the
// voxlink wire protocol. It stands in for the remote pipeline during local
// development and end-to-end tests: utterances are "transcribed" into a
// description of their length and answered with a short synthesized tone.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/MrWong99/voxlink/internal/protocol"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/codec"
)

const (
	authTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second
	readLimit    = 8 << 20
)

// Reply is the service's answer to one committed utterance.
type Reply struct {
	// Transcript is sent as committed_transcript.
	Transcript string

	// Text is streamed word by word as partial_response and then sent in
	// full as response.
	Text string

	// Audio holds the encoded audio_chunk payloads, sent in order.
	Audio [][]byte
}

// Responder produces the reply for an utterance of pcmBytes bytes of 16 kHz
// PCM16.
type Responder func(ctx context.Context, pcmBytes int) (Reply, error)

// Option is a functional option for [New].
type Option func(*Server)

// WithToken requires clients to present token, either as the token query
// parameter or in an authorization message.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithResponder replaces [ToneResponder].
func WithResponder(r Responder) Option {
	return func(s *Server) { s.responder = r }
}

// WithChunkDelay sets the pause between audio chunks. Default 100ms.
func WithChunkDelay(d time.Duration) Option {
	return func(s *Server) { s.chunkDelay = d }
}

// WithBinaryAudio sends audio chunks as binary frames instead of base64
// JSON.
func WithBinaryAudio(on bool) Option {
	return func(s *Server) { s.binaryAudio = on }
}

// WithOnClientMessage registers a hook that observes every decoded client
// frame. It runs on the connection's read goroutine.
func WithOnClientMessage(fn func(protocol.ClientMessage)) Option {
	return func(s *Server) { s.onClient = fn }
}

// Server is an [http.Handler] serving the speech socket.
type Server struct {
	upgrader    websocket.Upgrader
	token       string
	responder   Responder
	chunkDelay  time.Duration
	binaryAudio bool
	onClient    func(protocol.ClientMessage)

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Server.
func New(opts ...Option) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// Local development only; any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		responder:  ToneResponder,
		chunkDelay: 100 * time.Millisecond,
		sessions:   make(map[string]*session),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sessions returns the number of connected clients.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// DropAll closes every client connection abruptly, without a close
// handshake. Used to simulate network loss.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		_ = sess.conn.NetConn().Close()
	}
}

// ServeHTTP upgrades the request and runs the session until the client
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("devserver: upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	sess := &session{
		id:     uuid.NewString(),
		srv:    s,
		conn:   conn,
		authed: s.token == "" || r.URL.Query().Get("token") == s.token,
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	slog.Info("devserver: client connected", "session_id", sess.id, "remote", r.RemoteAddr)
	sess.run(r.Context())

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	slog.Info("devserver: client disconnected", "session_id", sess.id)
}

// ListenAndServe serves the socket on /speech and a liveness probe on
// /healthz until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/speech", s)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.Sessions())
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("devserver: listening", "addr", addr, "endpoint", "/speech")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.DropAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("devserver: shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// ─── Session ─────────────────────────────────────────────────────────────────

type session struct {
	id     string
	srv    *Server
	conn   *websocket.Conn
	authed bool

	writeMu sync.Mutex

	utterance int
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.stopReply()
		s.wg.Wait()
		_ = s.conn.Close()
	}()

	if !s.authed {
		if !s.awaitAuth() {
			return
		}
	}
	if err := s.write(websocket.TextMessage, protocol.SessionStarted(s.id)); err != nil {
		return
	}

	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("devserver: read ended", "session_id", s.id, "err", err)
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		msg, err := protocol.ParseClient(data)
		if err != nil {
			slog.Warn("devserver: malformed client frame", "session_id", s.id, "err", err)
			_ = s.write(websocket.TextMessage, protocol.ServerError(protocol.ErrorGeneric, "malformed frame"))
			continue
		}
		if s.srv.onClient != nil {
			s.srv.onClient(msg)
		}
		s.handle(ctx, msg)
	}
}

// awaitAuth waits for an authorization message carrying the right token.
func (s *session) awaitAuth() bool {
	_ = s.conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return false
	}
	msg, err := protocol.ParseClient(data)
	if err == nil && s.srv.onClient != nil {
		s.srv.onClient(msg)
	}
	if err != nil || msg.Kind != protocol.ClientAuthorization || msg.Token != s.srv.token {
		slog.Warn("devserver: rejected client", "session_id", s.id)
		_ = s.write(websocket.TextMessage, protocol.ServerError(protocol.ErrorAuth, "invalid or missing token"))
		_ = s.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"))
		return false
	}
	return true
}

func (s *session) handle(ctx context.Context, msg protocol.ClientMessage) {
	switch msg.Kind {
	case protocol.ClientAudio:
		s.utterance += len(msg.Audio)
		if msg.Commit {
			s.respond(ctx)
		}
	case protocol.ClientTranscribe:
		s.respond(ctx)
	case protocol.ClientPing:
		_ = s.write(websocket.TextMessage, protocol.Server(protocol.KindPong, "", nil))
	case protocol.ClientStopAudio:
		slog.Debug("devserver: stop_audio", "session_id", s.id)
		s.stopReply()
	case protocol.ClientAuthorization:
	default:
		_ = s.write(websocket.TextMessage, protocol.ServerError(protocol.ErrorGeneric, "unsupported message"))
	}
}

// respond answers the buffered utterance, replacing any reply in flight.
func (s *session) respond(ctx context.Context) {
	n := s.utterance
	if n == 0 {
		return
	}
	s.utterance = 0
	s.stopReply()

	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if err := s.reply(rctx, n); err != nil && rctx.Err() == nil {
			slog.Warn("devserver: reply failed", "session_id", s.id, "err", err)
			_ = s.write(websocket.TextMessage, protocol.ServerError(protocol.ErrorGeneric, err.Error()))
		}
	}()
}

func (s *session) stopReply() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *session) reply(ctx context.Context, pcmBytes int) error {
	r, err := s.srv.responder(ctx, pcmBytes)
	if err != nil {
		return err
	}
	if err := s.write(websocket.TextMessage, protocol.Server(protocol.KindCommittedTranscript, r.Transcript, nil)); err != nil {
		return err
	}

	var partial strings.Builder
	for _, word := range strings.Fields(r.Text) {
		if partial.Len() > 0 {
			partial.WriteByte(' ')
		}
		partial.WriteString(word)
		if err := s.write(websocket.TextMessage, protocol.Server(protocol.KindPartialResponse, partial.String(), nil)); err != nil {
			return err
		}
	}

	for i, chunk := range r.Audio {
		if i > 0 && s.srv.chunkDelay > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.srv.chunkDelay):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if s.srv.binaryAudio {
			err = s.write(websocket.BinaryMessage, chunk)
		} else {
			err = s.write(websocket.TextMessage, protocol.Server(protocol.KindAudioChunk, "", chunk))
		}
		if err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := s.write(websocket.TextMessage, protocol.Server(protocol.KindAudioFinal, "", nil)); err != nil {
		return err
	}
	return s.write(websocket.TextMessage, protocol.Server(protocol.KindResponse, r.Text, nil))
}

func (s *session) write(typ int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(typ, data)
}

// ─── Tone responder ──────────────────────────────────────────────────────────

// ToneFormat is the format of the audio produced by [ToneResponder].
var ToneFormat = audio.Format{SampleRate: 24000, Channels: 1}

// ToneResponder describes the utterance length and answers with three
// 200 ms WAV chunks of a 440 Hz tone.
func ToneResponder(_ context.Context, pcmBytes int) (Reply, error) {
	ms := pcmBytes / 2 * 1000 / audio.TargetSampleRate
	r := Reply{
		Transcript: fmt.Sprintf("(%d ms of speech)", ms),
		Text:       fmt.Sprintf("I heard about %d milliseconds of audio.", ms),
	}
	for range 3 {
		chunk, err := Tone(440, 200*time.Millisecond, ToneFormat)
		if err != nil {
			return Reply{}, err
		}
		r.Audio = append(r.Audio, chunk)
	}
	return r, nil
}

// Tone synthesizes a sine tone of freq Hz and length d as a WAV file.
func Tone(freq float64, d time.Duration, f audio.Format) ([]byte, error) {
	frames := int(d.Seconds() * float64(f.SampleRate))
	samples := make([]float32, frames*f.Channels)
	for i := range frames {
		v := float32(0.3 * math.Sin(2*math.Pi*freq*float64(i)/float64(f.SampleRate)))
		for c := range f.Channels {
			samples[i*f.Channels+c] = v
		}
	}
	return codec.EncodeWAV(audio.FloatToPCM16(samples), f)
}
