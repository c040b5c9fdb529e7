package room

import "fmt"

// patchKeyAliases maps camelCase wire keys (as a browser client naturally
// sends them) onto the MusicConfig's canonical snake_case field names, so
// control.patch payloads need not match Go's json tags exactly.
var patchKeyAliases = map[string]string{
	"musicGenerationMode": "music_generation_mode",
	"muteBass":            "mute_bass",
	"muteDrums":           "mute_drums",
	"onlyBassAndDrums":    "only_bass_and_drums",
	"topK":                "top_k",
}

func normalizePatchKey(key string) string {
	if canonical, ok := patchKeyAliases[key]; ok {
		return canonical
	}
	return key
}

// mergeMusicConfig applies patch over base and returns the merged config,
// the set of canonical keys that actually changed value, and an error if
// any field fails validation. The whole patch is rejected together: base is
// never partially applied.
func mergeMusicConfig(base MusicConfig, patch map[string]any) (MusicConfig, map[string]struct{}, error) {
	merged := base
	changed := make(map[string]struct{})

	for rawKey, rawVal := range patch {
		key := normalizePatchKey(rawKey)

		switch key {
		case "guidance":
			v, err := asFloat(rawVal)
			if err != nil {
				return MusicConfig{}, nil, fmt.Errorf("guidance: %w", err)
			}
			if v < 0 || v > 6 {
				return MusicConfig{}, nil, fmt.Errorf("guidance must be within [0, 6], got %v", v)
			}
			if v != merged.Guidance {
				changed[key] = struct{}{}
			}
			merged.Guidance = v

		case "bpm":
			v, err := asInt(rawVal)
			if err != nil {
				return MusicConfig{}, nil, fmt.Errorf("bpm: %w", err)
			}
			if v < 60 || v > 200 {
				return MusicConfig{}, nil, fmt.Errorf("bpm must be within [60, 200], got %v", v)
			}
			if v != merged.BPM {
				changed[key] = struct{}{}
			}
			merged.BPM = v

		case "density":
			v, err := asFloat(rawVal)
			if err != nil {
				return MusicConfig{}, nil, fmt.Errorf("density: %w", err)
			}
			if v < 0 || v > 1 {
				return MusicConfig{}, nil, fmt.Errorf("density must be within [0, 1], got %v", v)
			}
			if v != merged.Density {
				changed[key] = struct{}{}
			}
			merged.Density = v

		case "brightness":
			v, err := asFloat(rawVal)
			if err != nil {
				return MusicConfig{}, nil, fmt.Errorf("brightness: %w", err)
			}
			if v < 0 || v > 1 {
				return MusicConfig{}, nil, fmt.Errorf("brightness must be within [0, 1], got %v", v)
			}
			if v != merged.Brightness {
				changed[key] = struct{}{}
			}
			merged.Brightness = v

		case "scale":
			s, ok := rawVal.(string)
			if !ok {
				return MusicConfig{}, nil, fmt.Errorf("scale must be a string, got %T", rawVal)
			}
			if !validScale(Scale(s)) {
				return MusicConfig{}, nil, fmt.Errorf("unrecognized scale %q", s)
			}
			if Scale(s) != merged.Scale {
				changed[key] = struct{}{}
			}
			merged.Scale = Scale(s)

		case "mute_bass":
			v, ok := rawVal.(bool)
			if !ok {
				return MusicConfig{}, nil, fmt.Errorf("mute_bass must be a bool, got %T", rawVal)
			}
			if v != merged.MuteBass {
				changed[key] = struct{}{}
			}
			merged.MuteBass = v

		case "mute_drums":
			v, ok := rawVal.(bool)
			if !ok {
				return MusicConfig{}, nil, fmt.Errorf("mute_drums must be a bool, got %T", rawVal)
			}
			if v != merged.MuteDrums {
				changed[key] = struct{}{}
			}
			merged.MuteDrums = v

		case "only_bass_and_drums":
			v, ok := rawVal.(bool)
			if !ok {
				return MusicConfig{}, nil, fmt.Errorf("only_bass_and_drums must be a bool, got %T", rawVal)
			}
			if v != merged.OnlyBassAndDrums {
				changed[key] = struct{}{}
			}
			merged.OnlyBassAndDrums = v

		case "music_generation_mode":
			s, ok := rawVal.(string)
			if !ok {
				return MusicConfig{}, nil, fmt.Errorf("music_generation_mode must be a string, got %T", rawVal)
			}
			mode := MusicGenerationMode(s)
			if mode != ModeQuality && mode != ModeDiversity && mode != ModeVocalization {
				return MusicConfig{}, nil, fmt.Errorf("unrecognized music_generation_mode %q", s)
			}
			if mode != merged.MusicGenerationMode {
				changed[key] = struct{}{}
			}
			merged.MusicGenerationMode = mode

		case "temperature":
			v, err := asFloat(rawVal)
			if err != nil {
				return MusicConfig{}, nil, fmt.Errorf("temperature: %w", err)
			}
			if v < 0 || v > 3 {
				return MusicConfig{}, nil, fmt.Errorf("temperature must be within [0, 3], got %v", v)
			}
			if v != merged.Temperature {
				changed[key] = struct{}{}
			}
			merged.Temperature = v

		case "top_k":
			v, err := asInt(rawVal)
			if err != nil {
				return MusicConfig{}, nil, fmt.Errorf("top_k: %w", err)
			}
			if v < 1 || v > 1000 {
				return MusicConfig{}, nil, fmt.Errorf("top_k must be within [1, 1000], got %v", v)
			}
			if v != merged.TopK {
				changed[key] = struct{}{}
			}
			merged.TopK = v

		case "seed":
			if rawVal == nil {
				if merged.Seed != nil {
					changed[key] = struct{}{}
				}
				merged.Seed = nil
				continue
			}
			v, err := asInt(rawVal)
			if err != nil {
				return MusicConfig{}, nil, fmt.Errorf("seed: %w", err)
			}
			if merged.Seed == nil || *merged.Seed != v {
				changed[key] = struct{}{}
			}
			merged.Seed = &v

		default:
			return MusicConfig{}, nil, fmt.Errorf("unrecognized music_config field %q", rawKey)
		}
	}

	return merged, changed, nil
}

func validScale(s Scale) bool {
	switch s {
	case ScaleCMajorAMinor, ScaleDFlatMajorBFlatMinor, ScaleDMajorBMinor, ScaleEFlatMajorCMinor,
		ScaleEMajorDFlatMinor, ScaleFMajorDMinor, ScaleGFlatMajorEFlatMinor, ScaleGMajorEMinor,
		ScaleAFlatMajorFMinor, ScaleAMajorGFlatMinor, ScaleBFlatMajorGMinor, ScaleBMajorAFlatMinor,
		ScaleUnspecified:
		return true
	default:
		return false
	}
}

// asFloat accepts the numeric shapes a decoded JSON map can hold
// (float64, or an int that slipped through a typed caller) for a float
// field.
func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

// asInt accepts a JSON number (decoded as float64) or a plain int for an
// integer field, rejecting non-integral values.
func asInt(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("expected an integer, got %v", n)
		}
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}
