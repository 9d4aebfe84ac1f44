// Package music defines the Provider and Session interfaces for realtime
// generative-music backends.
//
// A music provider owns the connection details for an upstream streaming
// generator (e.g., Lyria RealTime). A Session is one live bidirectional
// stream: the caller steers generation through config and prompt updates and
// consumes the produced audio frames from the Frames channel.
//
// Implementors must be safe for concurrent use; config updates and frame
// consumption happen on different goroutines.
package music

import "context"

// WeightedPrompt is a textual music description with a relative weight.
// Weights across a prompt set are expected to sum to 1.0.
type WeightedPrompt struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

// GenerationConfig is the full set of musical knobs pushed to the generator.
// Every update carries the complete configuration; there are no partial writes.
type GenerationConfig struct {
	// BPM is the requested tempo in beats per minute.
	BPM int

	// Density controls rhythmic busyness in [0.0, 1.0].
	Density float64

	// Brightness controls timbral brightness in [0.0, 1.0].
	Brightness float64

	// Temperature controls generation randomness.
	Temperature float64
}

// ServerFrame is one message received from the upstream generator.
type ServerFrame struct {
	// AudioChunks holds zero or more raw PCM chunks, in arrival order.
	AudioChunks [][]byte

	// FilteredPrompt is non-empty when the upstream safety filter rejected a
	// prompt. The session keeps playing on the remaining prompts.
	FilteredPrompt string
}

// Session is one live generation stream.
//
// The Frames channel is closed when the session terminates; Err reports the
// first fatal error, if any. Close is idempotent.
type Session interface {
	// SetMusicGenerationConfig pushes a complete generation config.
	SetMusicGenerationConfig(ctx context.Context, cfg GenerationConfig) error

	// SetWeightedPrompts replaces the active prompt set.
	SetWeightedPrompts(ctx context.Context, prompts []WeightedPrompt) error

	// ResetContext clears the generator's musical context. The upstream
	// contract requires this before any bpm transition.
	ResetContext(ctx context.Context) error

	// Play starts or resumes audio production.
	Play(ctx context.Context) error

	// Stop halts audio production without closing the stream.
	Stop(ctx context.Context) error

	// Frames returns the channel on which server frames arrive.
	Frames() <-chan ServerFrame

	// Err returns the first non-nil error that caused the session to terminate.
	Err() error

	// Close terminates the session and releases all resources. Idempotent.
	Close() error
}

// Provider opens music generation sessions.
type Provider interface {
	// Connect establishes a new session. The returned Session is ready to
	// accept config and prompt updates immediately.
	Connect(ctx context.Context) (Session, error)
}
