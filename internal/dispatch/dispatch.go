// Package dispatch maps an incoming control-channel event onto the room
// mutation it requests, then broadcasts the resulting state to every
// control subscriber. It holds no state of its own.
package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/lyeria/internal/room"
)

// patchKeyAliases mirrors room.patchKeyAliases: the raw event payload
// (camelCase from the browser client) is normalized here before it reaches
// the room package, which also accepts the same aliases on its own.
var patchKeyAliases = map[string]string{
	"musicGenerationMode": "music_generation_mode",
	"muteBass":            "mute_bass",
	"muteDrums":           "mute_drums",
	"onlyBassAndDrums":    "only_bass_and_drums",
	"topK":                "top_k",
}

func normalizeConfigPatch(raw map[string]any) map[string]any {
	patch := make(map[string]any, len(raw))
	for key, value := range raw {
		normalized, ok := patchKeyAliases[key]
		if !ok {
			normalized = key
		}
		patch[normalized] = value
	}
	return patch
}

// Handle applies event, originated by role, to r and broadcasts the
// resulting state to all control subscribers on success. It returns
// room.ErrUnsupportedEvent for an unrecognized event type, and any
// validation error the underlying room operation reports.
func Handle(ctx context.Context, r *room.Room, role room.Role, event room.Envelope) error {
	payload, _ := event.Payload.(map[string]any)
	if payload == nil {
		payload = map[string]any{}
	}

	switch event.Type {
	case "control.patch":
		rawPatch, _ := payload["patch"].(map[string]any)
		patch := normalizeConfigPatch(rawPatch)
		_, requiresReset, err := r.ApplyMusicConfigPatch(patch)
		if err != nil {
			return err
		}
		if requiresReset {
			if _, err := r.HandlePlaybackCommand(room.CommandResetContext); err != nil {
				return err
			}
		}
		r.BroadcastState(ctx)
		return nil

	case "prompt.add":
		text := strings.TrimSpace(stringField(payload, "text"))
		if text == "" {
			return fmt.Errorf("prompt text is required")
		}
		weight, err := floatFieldOrDefault(payload, "weight", 1.0)
		if err != nil {
			return err
		}
		if _, err := r.AddPrompt(role, text, weight); err != nil {
			return err
		}
		r.BroadcastState(ctx)
		return nil

	case "prompt.update_weight":
		promptID := strings.TrimSpace(stringField(payload, "promptId"))
		weight, err := floatFieldOrDefault(payload, "weight", 1.0)
		if err != nil {
			return err
		}
		if _, err := r.UpdatePromptWeight(promptID, weight); err != nil {
			return err
		}
		r.BroadcastState(ctx)
		return nil

	case "prompt.remove":
		promptID := strings.TrimSpace(stringField(payload, "promptId"))
		if _, err := r.RemovePrompt(promptID); err != nil {
			return err
		}
		r.BroadcastState(ctx)
		return nil

	case "playback.command":
		command := room.PlaybackCommand(strings.ToLower(strings.TrimSpace(stringField(payload, "command"))))
		if _, err := r.HandlePlaybackCommand(command); err != nil {
			return err
		}
		r.BroadcastState(ctx)
		return nil

	case "control.interaction":
		active, _ := payload["active"].(bool)
		controlID := strings.TrimSpace(stringField(payload, "controlId"))
		var ptr *string
		if active && controlID != "" {
			ptr = &controlID
		}
		if err := r.SetActiveControl(role, ptr); err != nil {
			return err
		}
		r.BroadcastState(ctx)
		return nil

	case "ping":
		// Transport-level ping/pong already covers liveness; nothing to do.
		return nil

	default:
		return room.ErrUnsupportedEvent
	}
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

func floatFieldOrDefault(payload map[string]any, key string, def float64) (float64, error) {
	v, ok := payload[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%s must be a number, got %T", key, v)
	}
}
