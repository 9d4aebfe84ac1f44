// Package lyria implements the music.Provider interface for Google's Lyria
// RealTime API.
//
// It establishes a bidirectional WebSocket connection to the
// BidiGenerateMusic endpoint and exchanges JSON messages. Audio arrives as
// base64-encoded PCM chunks inside serverContent messages.
package lyria

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/crowdsynth/crowdsynth/pkg/provider/music"
)

// Compile-time assertions that Provider and session satisfy the music interfaces.
var _ music.Provider = (*Provider)(nil)
var _ music.Session = (*session)(nil)

const (
	defaultModel   = "lyria-realtime-exp"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Lyria model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements music.Provider for Google's Lyria RealTime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Lyria Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a new Lyria RealTime session. The returned Session is
// ready to accept config and prompt updates immediately after the setup
// message is sent.
func (p *Provider) Connect(ctx context.Context) (music.Session, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateMusic?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("lyria: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		frames: make(chan music.ServerFrame, 64),
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSetup(p.model); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("lyria: setup: %w", err)
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model string `json:"model"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	WeightedPrompts []weightedPrompt `json:"weightedPrompts"`
}

type weightedPrompt struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

type generationConfigMessage struct {
	MusicGenerationConfig generationConfig `json:"musicGenerationConfig"`
}

type generationConfig struct {
	BPM         int     `json:"bpm,omitempty"`
	Density     float64 `json:"density,omitempty"`
	Brightness  float64 `json:"brightness,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type playbackControlMessage struct {
	PlaybackControl string `json:"playbackControl"`
}

// Playback control values defined by the BidiGenerateMusic protocol.
const (
	controlPlay         = "PLAY"
	controlStop         = "STOP"
	controlResetContext = "RESET_CONTEXT"
)

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete  *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent  *serverContent   `json:"serverContent,omitempty"`
	FilteredPrompt *filteredPrompt  `json:"filteredPrompt,omitempty"`
	Error          *lyriaError      `json:"error,omitempty"`
}

type serverContent struct {
	AudioChunks []audioChunk `json:"audioChunks,omitempty"`
}

type audioChunk struct {
	Data     string `json:"data"` // base64-encoded PCM
	MIMEType string `json:"mimeType,omitempty"`
}

type filteredPrompt struct {
	Text           string `json:"text"`
	FilteredReason string `json:"filteredReason,omitempty"`
}

type lyriaError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	frames chan music.ServerFrame

	mu     sync.Mutex
	errVal error
	done   chan struct{}
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSetup sends the initial BidiGenerateMusic setup message.
func (s *session) sendSetup(model string) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
		},
	}
	return s.writeJSON(s.ctx, msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("lyria: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns the frames channel: it closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeFrames()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// If the session context was cancelled, exit cleanly.
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		s.handleServerMessage(&msg)
	}
}

func (s *session) handleServerMessage(msg *serverMessage) {
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		s.setErr(fmt.Errorf("lyria: %s", text))
		return
	}

	var frame music.ServerFrame

	if msg.ServerContent != nil {
		for _, chunk := range msg.ServerContent.AudioChunks {
			audioData, err := base64.StdEncoding.DecodeString(chunk.Data)
			if err != nil || len(audioData) == 0 {
				continue
			}
			frame.AudioChunks = append(frame.AudioChunks, audioData)
		}
	}

	if msg.FilteredPrompt != nil {
		frame.FilteredPrompt = msg.FilteredPrompt.Text
	}

	if len(frame.AudioChunks) == 0 && frame.FilteredPrompt == "" {
		return
	}

	select {
	case s.frames <- frame:
	case <-s.ctx.Done():
	}
}

// keepaliveLoop sends WebSocket pings to keep the Lyria connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeFrames() {
	s.closeOnce.Do(func() {
		close(s.frames)
	})
}

func (s *session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("lyria: session closed")
	}
	return nil
}

// ── Session methods ────────────────────────────────────────────────────────────

// SetMusicGenerationConfig pushes a complete generation config to Lyria.
func (s *session) SetMusicGenerationConfig(ctx context.Context, cfg music.GenerationConfig) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	msg := generationConfigMessage{
		MusicGenerationConfig: generationConfig{
			BPM:         cfg.BPM,
			Density:     cfg.Density,
			Brightness:  cfg.Brightness,
			Temperature: cfg.Temperature,
		},
	}
	return s.writeJSON(ctx, msg)
}

// SetWeightedPrompts replaces the active prompt set.
func (s *session) SetWeightedPrompts(ctx context.Context, prompts []music.WeightedPrompt) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	wire := make([]weightedPrompt, len(prompts))
	for i, p := range prompts {
		wire[i] = weightedPrompt{Text: p.Text, Weight: p.Weight}
	}
	msg := clientContentMessage{
		ClientContent: clientContent{WeightedPrompts: wire},
	}
	return s.writeJSON(ctx, msg)
}

// ResetContext clears the generator's musical context.
func (s *session) ResetContext(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(ctx, playbackControlMessage{PlaybackControl: controlResetContext})
}

// Play starts or resumes audio production.
func (s *session) Play(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(ctx, playbackControlMessage{PlaybackControl: controlPlay})
}

// Stop halts audio production without closing the stream.
func (s *session) Stop(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(ctx, playbackControlMessage{PlaybackControl: controlStop})
}

// Frames returns the channel on which server frames arrive.
func (s *session) Frames() <-chan music.ServerFrame { return s.frames }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
