// Package arbiter turns a room's pending role inputs into a coherent set of
// weighted music prompts by way of an LLM "music director".
//
// The [Arbiter] sends a rendered summary of the crowd's inputs plus the
// current musical state to an [llm.Provider] and expects a structured JSON
// response: 2-3 weighted prompts, bpm, density, brightness, and a one-line
// reasoning. Responses wrapped in markdown fences are tolerated; a response
// that still fails to parse is retried once with a format reminder.
//
// The arbiter never leaves a room without music. Every room's last good
// result is cached, and any failure (transport or parse) falls back to that
// cache, or to a neutral ambient default for a room that never had a good
// result. The error is still surfaced so callers can track degradation.
package arbiter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/crowdsynth/crowdsynth/internal/room"
	"github.com/crowdsynth/crowdsynth/pkg/provider/llm"
	"github.com/crowdsynth/crowdsynth/pkg/provider/music"
)

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 300
)

// systemPrompt instructs the model to act as the crowd's music director.
const systemPrompt = `You are a real-time music director for a crowd-controlled generative music system.
Every few seconds you receive inputs from multiple people each controlling a different
dimension of the music. Your job is to synthesize their inputs into 2-3 weighted
prompts that:
1. Honor the dominant crowd preference
2. Blend conflicting inputs musically coherently
3. Maintain energy continuity — don't flip completely from one style to another in one step
4. Keep prompts descriptive: include genre, instruments, mood, and energy level

Always return ONLY valid JSON — no markdown, no backticks, no explanation outside JSON.
Exact format:
{
  "prompts": [
    { "text": "...", "weight": 0.6 },
    { "text": "...", "weight": 0.4 }
  ],
  "bpm": 100,
  "density": 0.5,
  "brightness": 0.5,
  "reasoning": "one sentence"
}

Rules:
- 2 or 3 prompts max
- Weights must sum exactly to 1.0
- bpm must be integer between 60 and 160
- density and brightness must be floats between 0.0 and 1.0
- Prompt text should be evocative and musical (e.g. "dark trap beat with heavy 808s and eerie synths")`

// retryReminder is appended as a follow-up when the first response fails to
// parse as JSON.
const retryReminder = "Your previous response was not valid JSON. Respond again with ONLY the JSON object in the exact format specified, nothing else."

// Result is one arbitration outcome, ready to apply to a room.
type Result struct {
	Prompts    []music.WeightedPrompt
	BPM        int
	Density    float64
	Brightness float64
	Reasoning  string
}

// defaultResult keeps a room musical when the model has never succeeded.
func defaultResult() Result {
	return Result{
		Prompts:    []music.WeightedPrompt{{Text: "ambient electronic music with soft synth pads", Weight: 1.0}},
		BPM:        100,
		Density:    0.5,
		Brightness: 0.5,
		Reasoning:  "Default fallback",
	}
}

// llmResponse is the expected JSON structure returned by the model.
type llmResponse struct {
	Prompts []struct {
		Text   string  `json:"text"`
		Weight float64 `json:"weight"`
	} `json:"prompts"`
	BPM        float64 `json:"bpm"`
	Density    float64 `json:"density"`
	Brightness float64 `json:"brightness"`
	Reasoning  string  `json:"reasoning"`
}

// Option is a functional option for configuring an [Arbiter].
type Option func(*Arbiter)

// WithTemperature sets the LLM sampling temperature. Default: 0.7.
func WithTemperature(temp float64) Option {
	return func(a *Arbiter) { a.temperature = temp }
}

// WithMaxTokens caps the model's output length. Default: 300.
func WithMaxTokens(n int) Option {
	return func(a *Arbiter) { a.maxTokens = n }
}

// Arbiter arbitrates crowd inputs into weighted prompts via an
// [llm.Provider]. It is safe for concurrent use; results are cached per room
// for fallback and continuity.
type Arbiter struct {
	llm         llm.Provider
	temperature float64
	maxTokens   int

	mu   sync.Mutex
	last map[string]Result // room_id → last good result
}

// New returns an [Arbiter] backed by the given provider.
func New(provider llm.Provider, opts ...Option) *Arbiter {
	a := &Arbiter{
		llm:         provider,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
		last:        make(map[string]Result),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Arbitrate synthesizes the snapshot's inputs into a new prompt set.
//
// On any failure the returned Result is still usable — the room's last good
// result, or the ambient default — and the error describes what went wrong so
// the caller can count consecutive failures. A drummer bpm input always
// overrides the model's bpm choice.
func (a *Arbiter) Arbitrate(ctx context.Context, roomID string, snap room.TickSnapshot) (Result, error) {
	if len(snap.Inputs) == 0 {
		return a.fallback(roomID), nil
	}

	userMsg := renderInputs(snap)

	resp, err := a.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Temperature:  a.temperature,
		MaxTokens:    a.maxTokens,
		Messages: []llm.Message{
			{Role: "user", Content: userMsg},
		},
	})
	if err != nil {
		return a.fallback(roomID), fmt.Errorf("arbiter: complete: %w", err)
	}
	if resp == nil {
		return a.fallback(roomID), fmt.Errorf("arbiter: empty completion response")
	}

	result, parseErr := parseResponse(resp.Content)
	if parseErr != nil {
		// One retry with the malformed output and a format reminder attached.
		resp, err = a.llm.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: systemPrompt,
			Temperature:  a.temperature,
			MaxTokens:    a.maxTokens,
			Messages: []llm.Message{
				{Role: "user", Content: userMsg},
				{Role: "assistant", Content: resp.Content},
				{Role: "user", Content: retryReminder},
			},
		})
		if err != nil {
			return a.fallback(roomID), fmt.Errorf("arbiter: retry complete: %w", err)
		}
		if resp == nil {
			return a.fallback(roomID), fmt.Errorf("arbiter: empty retry response")
		}
		result, parseErr = parseResponse(resp.Content)
		if parseErr != nil {
			return a.fallback(roomID), fmt.Errorf("arbiter: %w", parseErr)
		}
	}

	result = sanitize(result, snap)

	a.mu.Lock()
	a.last[roomID] = result
	a.mu.Unlock()

	slog.Info("arbitration complete", "room_id", roomID, "bpm", result.BPM, "prompts", len(result.Prompts), "reasoning", result.Reasoning)
	return result, nil
}

// Forget drops the cached result for a destroyed room.
func (a *Arbiter) Forget(roomID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.last, roomID)
}

func (a *Arbiter) fallback(roomID string) Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.last[roomID]; ok {
		return r
	}
	return defaultResult()
}

// renderInputs builds the user message: one line per role input, the current
// musical state, and the active prompts for continuity. Roles are rendered in
// a stable order so identical snapshots produce identical messages.
func renderInputs(snap room.TickSnapshot) string {
	roles := make([]string, 0, len(snap.Inputs))
	for role := range snap.Inputs {
		roles = append(roles, string(role))
	}
	sort.Strings(roles)

	var sb strings.Builder
	sb.WriteString("Current crowd inputs:\n")
	for _, role := range roles {
		sb.WriteString("  - ")
		sb.WriteString(role)
		sb.WriteString(": ")
		sb.WriteString(renderPayload(snap.Inputs[room.Role(role)]))
		sb.WriteByte('\n')
	}

	fmt.Fprintf(&sb, "\nCurrent music state: BPM=%d, density=%g, brightness=%g\n", snap.BPM, snap.Density, snap.Brightness)

	if len(snap.Prompts) > 0 {
		sb.WriteString("Currently playing prompts:\n")
		for _, p := range snap.Prompts {
			fmt.Fprintf(&sb, "  - %q (weight %.3f)\n", p.Text, p.Weight)
		}
	}

	sb.WriteString("\nSynthesize these into 2-3 weighted prompts.")
	return sb.String()
}

// renderPayload flattens the sparse payload into "key=value" pairs.
func renderPayload(p room.InputPayload) string {
	var parts []string
	if p.BPM != nil {
		parts = append(parts, fmt.Sprintf("bpm=%d", *p.BPM))
	}
	if p.Mood != nil {
		parts = append(parts, "mood="+*p.Mood)
	}
	if p.Genre != nil {
		parts = append(parts, "genre="+*p.Genre)
	}
	if p.Instrument != nil {
		parts = append(parts, "instrument="+*p.Instrument)
	}
	if p.Density != nil {
		parts = append(parts, fmt.Sprintf("density=%g", *p.Density))
	}
	if p.Brightness != nil {
		parts = append(parts, fmt.Sprintf("brightness=%g", *p.Brightness))
	}
	if p.CustomPrompt != nil {
		parts = append(parts, "custom="+*p.CustomPrompt)
	}
	if len(parts) == 0 {
		return "(no details)"
	}
	return strings.Join(parts, ", ")
}

// parseResponse unmarshals the model output, tolerating markdown fences.
func parseResponse(content string) (Result, error) {
	cleaned := stripMarkdown(content)

	var r llmResponse
	if err := json.Unmarshal([]byte(cleaned), &r); err != nil {
		return Result{}, fmt.Errorf("parse response: %w", err)
	}
	if len(r.Prompts) == 0 {
		return Result{}, fmt.Errorf("parse response: no prompts")
	}

	prompts := make([]music.WeightedPrompt, 0, len(r.Prompts))
	for _, p := range r.Prompts {
		if strings.TrimSpace(p.Text) == "" {
			continue
		}
		prompts = append(prompts, music.WeightedPrompt{Text: p.Text, Weight: p.Weight})
	}
	if len(prompts) == 0 {
		return Result{}, fmt.Errorf("parse response: all prompt texts empty")
	}

	return Result{
		Prompts:    prompts,
		BPM:        int(r.BPM),
		Density:    r.Density,
		Brightness: r.Brightness,
		Reasoning:  r.Reasoning,
	}, nil
}

// sanitize clamps and renormalises a parsed result and applies the drummer
// override: an explicit bpm input from the drummer beats the model's choice.
func sanitize(r Result, snap room.TickSnapshot) Result {
	r.Prompts = room.NormalizePrompts(r.Prompts)
	r.BPM = room.ClampBPM(r.BPM)
	r.Density = room.ClampUnit(r.Density)
	r.Brightness = room.ClampUnit(r.Brightness)

	if drum, ok := snap.Inputs[room.RoleDrummer]; ok && drum.BPM != nil {
		r.BPM = room.ClampBPM(*drum.BPM)
	}
	return r
}

// stripMarkdown removes optional markdown code fences (```json ... ```) that
// some models prepend and append to JSON output.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
