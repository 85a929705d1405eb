package util

import (
	"encoding/json"
	"fmt"
)

// StringifyResult converts a tool result into the text placed in a tool-result
// message. Strings pass through verbatim; everything else is JSON encoded.
func StringifyResult(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
