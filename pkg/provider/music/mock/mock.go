// Package mock provides test doubles for the music.Provider and music.Session
// interfaces.
//
// The Session records every config, prompt, and control call so tests can
// assert on the exact sequence pushed upstream; frames can be injected via
// EmitFrame to exercise the audio relay path.
package mock

import (
	"context"
	"sync"

	"github.com/crowdsynth/crowdsynth/pkg/provider/music"
)

// Compile-time interface assertions.
var _ music.Provider = (*Provider)(nil)
var _ music.Session = (*Session)(nil)

// Provider is a mock music.Provider that hands out a pre-built Session.
type Provider struct {
	mu sync.Mutex

	// ConnectSession is returned by Connect. When nil, a fresh Session is
	// created per call and appended to Sessions.
	ConnectSession *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls counts Connect invocations.
	ConnectCalls int

	// Sessions records every session handed out by Connect.
	Sessions []*Session
}

// Connect returns the configured session or a fresh one.
func (p *Provider) Connect(_ context.Context) (music.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls++
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	s := p.ConnectSession
	if s == nil {
		s = NewSession()
	}
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// Session is a mock implementation of music.Session.
type Session struct {
	mu sync.Mutex

	// Configs records every SetMusicGenerationConfig call in order.
	Configs []music.GenerationConfig

	// PromptSets records every SetWeightedPrompts call in order.
	PromptSets [][]music.WeightedPrompt

	// Controls records Play/Stop/ResetContext calls in order, as the strings
	// "play", "stop", "reset_context".
	Controls []string

	// ConfigErr, PromptErr, ControlErr inject failures into the respective calls.
	ConfigErr  error
	PromptErr  error
	ControlErr error

	// ErrVal is returned by Err.
	ErrVal error

	frames    chan music.ServerFrame
	closed    bool
	closeOnce sync.Once
}

// NewSession returns a Session with a buffered frame channel.
func NewSession() *Session {
	return &Session{frames: make(chan music.ServerFrame, 16)}
}

// EmitFrame injects a server frame, as if it arrived from upstream.
// Returns false if the session is already closed.
func (s *Session) EmitFrame(frame music.ServerFrame) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	s.frames <- frame
	return true
}

// SetMusicGenerationConfig records cfg and returns ConfigErr.
func (s *Session) SetMusicGenerationConfig(_ context.Context, cfg music.GenerationConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Configs = append(s.Configs, cfg)
	return s.ConfigErr
}

// SetWeightedPrompts records prompts and returns PromptErr.
func (s *Session) SetWeightedPrompts(_ context.Context, prompts []music.WeightedPrompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]music.WeightedPrompt, len(prompts))
	copy(cp, prompts)
	s.PromptSets = append(s.PromptSets, cp)
	return s.PromptErr
}

// ResetContext records the control call and returns ControlErr.
func (s *Session) ResetContext(_ context.Context) error {
	return s.recordControl("reset_context")
}

// Play records the control call and returns ControlErr.
func (s *Session) Play(_ context.Context) error {
	return s.recordControl("play")
}

// Stop records the control call and returns ControlErr.
func (s *Session) Stop(_ context.Context) error {
	return s.recordControl("stop")
}

func (s *Session) recordControl(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Controls = append(s.Controls, name)
	return s.ControlErr
}

// Frames returns the frame channel.
func (s *Session) Frames() <-chan music.ServerFrame { return s.frames }

// Err returns the configured ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close marks the session closed and closes the frame channel. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.frames) })
	return nil
}

// Snapshot helpers — safe copies for assertions.

// LastConfig returns the most recent generation config, or false when none.
func (s *Session) LastConfig() (music.GenerationConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Configs) == 0 {
		return music.GenerationConfig{}, false
	}
	return s.Configs[len(s.Configs)-1], true
}

// LastPrompts returns the most recent prompt set, or nil when none.
func (s *Session) LastPrompts() []music.WeightedPrompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.PromptSets) == 0 {
		return nil
	}
	return s.PromptSets[len(s.PromptSets)-1]
}

// ControlLog returns a copy of the recorded control calls.
func (s *Session) ControlLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]string, len(s.Controls))
	copy(cp, s.Controls)
	return cp
}
