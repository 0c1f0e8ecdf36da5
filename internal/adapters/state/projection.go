package state

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/fractary/faber/internal/core"
)

// Project returns the value at a dotted path inside a JSON document.
// An empty path or "." returns the document. Numeric segments index arrays.
func Project(doc []byte, projection string) (json.RawMessage, error) {
	path := strings.TrimPrefix(strings.TrimSpace(projection), ".")
	if path == "" {
		return json.RawMessage(doc), nil
	}

	cur := json.RawMessage(doc)
	walked := ""
	for _, seg := range strings.Split(path, ".") {
		walked += "." + seg
		if seg == "" {
			return nil, core.ErrValidation(core.CodeProjection, "empty segment in projection "+projection)
		}
		next, ok := step(cur, seg)
		if !ok {
			e := core.ErrNotFound("key", walked)
			e.Code = core.CodeProjection
			return nil, e
		}
		cur = next
	}
	return cur, nil
}

func step(cur json.RawMessage, seg string) (json.RawMessage, bool) {
	trimmed := strings.TrimSpace(string(cur))
	switch {
	case strings.HasPrefix(trimmed, "{"):
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil {
			return nil, false
		}
		v, ok := obj[seg]
		return v, ok
	case strings.HasPrefix(trimmed, "["):
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 {
			return nil, false
		}
		var arr []json.RawMessage
		if err := json.Unmarshal(cur, &arr); err != nil || i >= len(arr) {
			return nil, false
		}
		return arr[i], true
	default:
		return nil, false
	}
}
