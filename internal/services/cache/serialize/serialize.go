// Package serialize converts cache payloads that are not JSON-safe into
// tagged [typeTag, payload] pairs and back.
//
// Plain JSON values pass through unwrapped. Maps with string keys, slices and
// arrays are walked structurally; typed containers such as []time.Time come
// back from Deserialize as []any and map[string]any holding revived values.
// []byte and structs are left to encoding/json. A value is wrapped by the
// first handler whose Forward applies; custom handlers are consulted before
// the built-in date and regexp handlers. Serialize never mutates its input.
package serialize

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"time"

	apperrors "github.com/louisbranch/cacheline/internal/platform/errors"
)

// Reserved type tags.
const (
	TagDate   = "date"
	TagRegExp = "regexp"
	// TagArray escapes caller arrays whose shape collides with a tagged pair.
	TagArray = "array"
)

// Handler converts one kind of value to and from a JSON-safe payload.
type Handler struct {
	// Tag is written as the first element of the tagged pair.
	Tag string
	// Forward returns the payload and true when the handler applies to v.
	Forward func(v any) (any, bool)
	// Backward rebuilds the value from a decoded payload.
	Backward func(payload any) (any, error)
}

// Performer holds the handler registry.
type Performer struct {
	handlers []Handler
	byTag    map[string]Handler
}

// New builds a Performer with the given custom handlers followed by the
// built-in handlers.
func New(handlers ...Handler) (*Performer, error) {
	p := &Performer{byTag: map[string]Handler{TagArray: {Tag: TagArray}}}
	all := append(append([]Handler(nil), handlers...), DateHandler(), RegExpHandler())
	for _, h := range all {
		if h.Tag == "" {
			return nil, apperrors.New(apperrors.CodeInvalidArgument, "serialize handler tag is required")
		}
		if h.Forward == nil || h.Backward == nil {
			return nil, apperrors.WithMetadata(apperrors.CodeInvalidArgument,
				"serialize handler needs forward and backward", map[string]string{"tag": h.Tag})
		}
		if _, exists := p.byTag[h.Tag]; exists {
			return nil, apperrors.WithMetadata(apperrors.CodeInvalidArgument,
				"serialize handler tag already registered", map[string]string{"tag": h.Tag})
		}
		p.byTag[h.Tag] = h
		p.handlers = append(p.handlers, h)
	}
	return p, nil
}

// Default returns a Performer with only the built-in handlers.
func Default() *Performer {
	p, err := New()
	if err != nil {
		panic(fmt.Sprintf("serialize: default performer: %v", err))
	}
	return p
}

// Serialize returns a copy of v with every non-JSON-safe node wrapped.
func (p *Performer) Serialize(v any) any {
	for _, h := range p.handlers {
		if payload, ok := h.Forward(v); ok {
			return []any{h.Tag, payload}
		}
	}
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			out[k] = p.Serialize(child)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			out[i] = p.Serialize(child)
		}
		if p.IsTagged(node) {
			return []any{TagArray, out}
		}
		return out
	default:
		return p.serializeContainer(v)
	}
}

// serializeContainer walks typed slices, arrays and string-keyed maps so
// their elements reach the handlers.
func (p *Performer) serializeContainer(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() || rv.Type().Elem().Kind() == reflect.Uint8 {
			return v
		}
		return p.Serialize(sliceOf(rv))
	case reflect.Array:
		return p.Serialize(sliceOf(rv))
	case reflect.Map:
		if rv.IsNil() || rv.Type().Key().Kind() != reflect.String {
			return v
		}
		node := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			node[iter.Key().String()] = iter.Value().Interface()
		}
		return p.Serialize(node)
	}
	return v
}

func sliceOf(rv reflect.Value) []any {
	node := make([]any, rv.Len())
	for i := range node {
		node[i] = rv.Index(i).Interface()
	}
	return node
}

// Deserialize replaces every tagged node with the value its handler rebuilds.
// Nodes whose first element is not a registered tag are left as they are.
func (p *Performer) Deserialize(v any) (any, error) {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			value, err := p.Deserialize(child)
			if err != nil {
				return nil, err
			}
			out[k] = value
		}
		return out, nil
	case []any:
		if tag, ok := p.tagOf(node); ok {
			return p.revive(tag, node[1])
		}
		return p.deserializeSlice(node)
	default:
		return v, nil
	}
}

func (p *Performer) deserializeSlice(node []any) ([]any, error) {
	out := make([]any, len(node))
	for i, child := range node {
		value, err := p.Deserialize(child)
		if err != nil {
			return nil, err
		}
		out[i] = value
	}
	return out, nil
}

func (p *Performer) revive(tag string, payload any) (any, error) {
	if tag == TagArray {
		items, ok := payload.([]any)
		if !ok {
			return nil, apperrors.WithMetadata(apperrors.CodeMalformedPayload,
				"escaped array payload is not an array", map[string]string{"tag": tag})
		}
		return p.deserializeSlice(items)
	}
	value, err := p.byTag[tag].Backward(payload)
	if err != nil {
		return nil, &apperrors.Error{
			Code:     apperrors.CodeMalformedPayload,
			Message:  "revive tagged value",
			Metadata: map[string]string{"tag": tag},
			Cause:    err,
		}
	}
	return value, nil
}

// IsTagged reports whether v has the [registeredTag, payload] shape.
func (p *Performer) IsTagged(v any) bool {
	node, ok := v.([]any)
	if !ok {
		return false
	}
	_, ok = p.tagOf(node)
	return ok
}

func (p *Performer) tagOf(node []any) (string, bool) {
	if len(node) != 2 {
		return "", false
	}
	tag, ok := node[0].(string)
	if !ok {
		return "", false
	}
	_, registered := p.byTag[tag]
	return tag, registered
}

// Marshal serializes v and encodes it as JSON.
func (p *Performer) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(p.Serialize(v))
	if err != nil {
		return nil, fmt.Errorf("marshal cache payload: %w", err)
	}
	return data, nil
}

// Unmarshal decodes JSON and deserializes the result.
func (p *Performer) Unmarshal(data []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeMalformedPayload, "unmarshal cache payload", err)
	}
	return p.Deserialize(raw)
}

// DateHandler encodes time.Time as unix milliseconds.
func DateHandler() Handler {
	return Handler{
		Tag: TagDate,
		Forward: func(v any) (any, bool) {
			switch t := v.(type) {
			case time.Time:
				return t.UnixMilli(), true
			case *time.Time:
				if t == nil {
					return nil, false
				}
				return t.UnixMilli(), true
			}
			return nil, false
		},
		Backward: func(payload any) (any, error) {
			ms, err := millis(payload)
			if err != nil {
				return nil, err
			}
			return time.UnixMilli(ms).UTC(), nil
		},
	}
}

// RegExpHandler encodes compiled regular expressions as their source.
func RegExpHandler() Handler {
	return Handler{
		Tag: TagRegExp,
		Forward: func(v any) (any, bool) {
			re, ok := v.(*regexp.Regexp)
			if !ok || re == nil {
				return nil, false
			}
			return re.String(), true
		},
		Backward: func(payload any) (any, error) {
			source, ok := payload.(string)
			if !ok {
				return nil, fmt.Errorf("regexp payload must be a string, got %T", payload)
			}
			return regexp.Compile(source)
		},
	}
}

func millis(payload any) (int64, error) {
	switch n := payload.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("date payload is not finite")
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("date payload must be a number, got %T", payload)
	}
}
