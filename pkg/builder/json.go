package builder

import "encoding/json"

// marshalSortedIndent renders v as indented JSON; map keys already sort
// alphabetically under encoding/json, so the output is stable across runs.
func marshalSortedIndent(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
