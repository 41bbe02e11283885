package variables

import (
	"encoding/json"
	"fmt"
)

// ExternalFromEncoded derives the externally visible values and visibility
// tags from a persisted variable map without needing the cipher: hidden
// variables surface their hash, sensitive variables the mask, logged
// variables their plaintext.
func ExternalFromEncoded(encoded map[string]string) (map[string]interface{}, map[string]string, error) {
	values := make(map[string]interface{}, len(encoded))
	visibility := make(map[string]string, len(encoded))

	for name, data := range encoded {
		var pv persistedVar
		if err := json.Unmarshal([]byte(data), &pv); err != nil {
			return nil, nil, fmt.Errorf("failed to decode variable %q: %w", name, err)
		}
		switch pv.Visibility {
		case VisibilityHidden:
			values[name] = pv.Hash
			visibility[name] = string(VisibilityHidden)
		case VisibilitySensitive:
			values[name] = MaskedValue
			visibility[name] = string(VisibilitySensitive)
		default:
			var value interface{}
			if len(pv.Value) > 0 {
				if err := json.Unmarshal(pv.Value, &value); err != nil {
					return nil, nil, fmt.Errorf("failed to decode variable %q: %w", name, err)
				}
			}
			values[name] = value
			visibility[name] = string(VisibilityLogged)
		}
	}
	return values, visibility, nil
}
