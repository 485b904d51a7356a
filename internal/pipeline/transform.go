package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
)

// Transform rewrites an event payload just before signing. Transforms are
// pre-registered by name and selected per subscription; arbitrary
// user-supplied code never runs in-process. A transform returning an error
// does not abort delivery — the untransformed payload is sent instead.
type Transform func(payload json.RawMessage) (json.RawMessage, error)

// TransformRegistry holds the named transforms available to subscriptions.
type TransformRegistry struct {
	mu         sync.RWMutex
	transforms map[string]Transform
}

func NewTransformRegistry() *TransformRegistry {
	r := &TransformRegistry{transforms: make(map[string]Transform)}
	r.Register("compact", compactTransform)
	r.Register("envelope_fields", envelopeFieldsTransform)
	return r
}

func (r *TransformRegistry) Register(name string, t Transform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transforms[name] = t
}

func (r *TransformRegistry) Get(name string) (Transform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transforms[name]
	return t, ok
}

// compactTransform strips insignificant whitespace.
func compactTransform(payload json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return nil, fmt.Errorf("compacting payload: %w", err)
	}
	return buf.Bytes(), nil
}

// envelopeFieldsTransform keeps only the commonly consumed top-level
// fields, dropping bulky internal ones.
func envelopeFieldsTransform(payload json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	kept := map[string]json.RawMessage{}
	for _, k := range []string{"id", "platform", "content_type", "tags", "engagement", "title", "status"} {
		if v, ok := fields[k]; ok {
			kept[k] = v
		}
	}
	out, err := json.Marshal(kept)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return out, nil
}
