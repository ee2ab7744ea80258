package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// DecodeOptions decodes the free-form options of e into out, a pointer to a
// struct with `mapstructure` tags. Keys match fields ignoring case, dashes
// and underscores; durations may be given as strings ("250ms").
func (e ProviderEntry) DecodeOptions(out any) error {
	if len(e.Options) == 0 {
		return nil
	}
	if err := DecodeMap(e.Options, out); err != nil {
		return fmt.Errorf("config: %s options: %w", e.Name, err)
	}
	return nil
}

// DecodeMap decodes in into out with the rules of
// [ProviderEntry.DecodeOptions]. Fields of out without a matching key keep
// their value, so a partial map can be decoded over existing settings.
// Unknown keys are an error.
func DecodeMap(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(s))
}
