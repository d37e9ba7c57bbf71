package shared

import (
	"bytes"
	"context"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// DecodeJSON parses body keeping numbers as json.Number so decimals keep full precision.
func DecodeJSON(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Lookup walks a dotted path through a decoded document. Numeric segments index arrays; an empty
// path is the node itself.
func Lookup(node any, path string) (any, bool) {
	if path == "" {
		return node, node != nil
	}
	current := node
	for _, segment := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, current != nil
}

// MergeContext returns a context cancelled when either ctx or session is done.
func MergeContext(ctx, session context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(session, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
