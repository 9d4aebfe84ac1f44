package gateway

import (
	"context"
	"math"

	"github.com/crowdsynth/crowdsynth/internal/room"
	"github.com/crowdsynth/crowdsynth/pkg/provider/music"
)

// Applause zones. The crowd microphone signal is folded into a single
// intensity scalar and bucketed; each zone nudges density and brightness
// differently.
const (
	zoneHigh = "HIGH"
	zoneMid  = "MID"
	zoneLow  = "LOW"
)

const (
	applauseHighCutoff = 0.55
	applauseLowCutoff  = 0.25
)

// Overlay prompts prepended to the base prompt between arbitration ticks.
const (
	highOverlayText = "explosive crowd energy, driving percussion build, euphoric peak"
	lowOverlayText  = "stripped back minimal passage, soft sparse textures"
)

// applauseIntensity folds volume and clap rate into one scalar. Volume is
// square-rooted so quiet rooms still register.
func applauseIntensity(volume, clapRate float64) float64 {
	return 0.5*math.Sqrt(volume) + 0.5*clapRate
}

// applauseZone buckets an intensity value.
func applauseZone(intensity float64) string {
	switch {
	case intensity > applauseHighCutoff:
		return zoneHigh
	case intensity < applauseLowCutoff:
		return zoneLow
	default:
		return zoneMid
	}
}

// applyApplauseZone returns the adjusted (density, brightness) for one
// applause reading.
func applyApplauseZone(zone string, intensity, density, brightness float64) (float64, float64) {
	switch zone {
	case zoneHigh:
		density = math.Min(1.0, density+0.10+0.10*intensity)
		brightness = math.Min(1.0, brightness+0.06+0.06*intensity)
	case zoneLow:
		density = math.Max(0.05, density-0.07)
		brightness = math.Max(0.05, brightness-0.04)
	default: // MID drifts toward the intensity.
		density = 0.85*density + 0.15*intensity
		brightness = 0.90*brightness + 0.10*intensity
	}
	return density, brightness
}

func (g *Gateway) handleApplause(ctx context.Context, sess *session, msg inbound) {
	if sess.roomID == "" {
		return
	}

	volume := clampUnit(msg.Volume)
	clapRate := clampUnit(msg.ClapRate)
	intensity := applauseIntensity(volume, clapRate)
	zone := applauseZone(intensity)

	density, brightness, err := g.store.UpdateLevels(sess.roomID, func(d, b float64) (float64, float64) {
		return applyApplauseZone(zone, intensity, d, b)
	})
	if err != nil {
		return
	}

	// Between ticks, HIGH and LOW zones also push an immediate prompt overlay
	// at the session's current tempo; MID only drifts the knobs.
	if zone != zoneMid && g.audio.IsPlaying(sess.roomID) {
		if bpm, ok := g.audio.SessionBPM(sess.roomID); ok {
			g.audio.UpdatePrompts(ctx, sess.roomID, g.overlayPrompts(sess.roomID, zone, intensity), bpm, density, brightness)
		}
	}

	g.store.BroadcastJSON(ctx, sess.roomID, applauseLevelMsg{
		Type:      "applause_level",
		Volume:    volume,
		ClapRate:  clapRate,
		Intensity: round2(intensity),
		Density:   round2(density),
		Zone:      zone,
		Loud:      zone == zoneHigh,
	})
}

// overlayPrompts prepends a zone overlay to the room's first active prompt.
// The overlay weight scales with intensity; the base keeps the remainder so
// the pair still sums to 1.0.
func (g *Gateway) overlayPrompts(roomID, zone string, intensity float64) []music.WeightedPrompt {
	text := highOverlayText
	if zone == zoneLow {
		text = lowOverlayText
	}
	weight := 0.3 + 0.3*intensity

	base := g.store.ActivePrompts(roomID)
	if len(base) == 0 {
		return []music.WeightedPrompt{{Text: text, Weight: 1.0}}
	}
	return room.NormalizePrompts([]music.WeightedPrompt{
		{Text: text, Weight: weight},
		{Text: base[0].Text, Weight: 1.0 - weight},
	})
}

func clampUnit(v float64) float64 {
	return math.Max(0.0, math.Min(1.0, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
