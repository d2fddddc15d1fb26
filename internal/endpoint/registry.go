// Package endpoint maps the content types declared by REST endpoints to broker
// topic types and the parsers that turn response bodies into topic values.
package endpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"golang.org/x/text/encoding/htmlindex"

	"github.com/jpalmerr/restadapter/broker"
)

// ErrUnknownType is returned by [Registry.From] for an identifier that no
// registered type declares.
var ErrUnknownType = errors.New("endpoint: unknown endpoint type")

// Parser converts a response body into a topic value. contentType is the
// response Content-Type header and may be empty.
type Parser func(body []byte, contentType string) ([]byte, error)

// Type is an endpoint type: the identifiers it answers to, the topic type it
// maps to and how values are parsed.
type Type struct {
	name        string
	identifiers []string
	topicType   broker.TopicType
	parse       Parser
	matches     func(mediaType string) bool
}

// Name returns the canonical identifier of t.
func (t *Type) Name() string { return t.name }

// Identifiers returns every identifier t is registered under.
func (t *Type) Identifiers() []string {
	return append([]string(nil), t.identifiers...)
}

// TopicType returns the broker topic type for endpoints of this type.
func (t *Type) TopicType() broker.TopicType { return t.topicType }

// Parse converts a response body into a topic value.
func (t *Type) Parse(body []byte, contentType string) ([]byte, error) {
	return t.parse(body, contentType)
}

// CanHandle reports whether t accepts responses of the given content type.
func (t *Type) CanHandle(contentType string) bool {
	return t.matches(mediaType(contentType))
}

// Registry resolves endpoint types by identifier.
type Registry struct {
	types  []*Type
	lookup map[string]*Type
}

// NewRegistry builds a registry. Registering the same identifier twice is an
// error. The order of types is the order used by [Registry.InferFromContentType].
func NewRegistry(types ...*Type) (*Registry, error) {
	r := &Registry{lookup: make(map[string]*Type)}
	for _, t := range types {
		for _, id := range t.identifiers {
			if _, dup := r.lookup[id]; dup {
				return nil, fmt.Errorf("endpoint: duplicate identifier %q", id)
			}
			r.lookup[id] = t
		}
		r.types = append(r.types, t)
	}
	return r, nil
}

// MustNewRegistry is like [NewRegistry] but panics on error.
func MustNewRegistry(types ...*Type) *Registry {
	r, err := NewRegistry(types...)
	if err != nil {
		panic(err)
	}
	return r
}

var defaultRegistry = MustNewRegistry(JSON, String, Binary)

// Default returns the registry of built-in types: JSON, String and Binary.
func Default() *Registry { return defaultRegistry }

// From returns the type registered under identifier.
func (r *Registry) From(identifier string) (*Type, error) {
	t, ok := r.lookup[identifier]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, identifier)
	}
	return t, nil
}

// InferFromContentType returns the first type that can handle contentType.
// It returns nil only if no registered type accepts it; the default registry
// always falls back to [Binary].
func (r *Registry) InferFromContentType(contentType string) *Type {
	mt := mediaType(contentType)
	for _, t := range r.types {
		if t.matches(mt) {
			return t
		}
	}
	return nil
}

// Built-in endpoint types.
var (
	JSON = &Type{
		name:        "json",
		identifiers: []string{"json", "application/json", "text/json"},
		topicType:   broker.TopicTypeJSON,
		parse:       parseJSON,
		matches:     isJSON,
	}

	String = &Type{
		name:        "string",
		identifiers: []string{"string", "text/plain"},
		topicType:   broker.TopicTypeString,
		parse:       parseText,
		matches: func(mt string) bool {
			return mt == "text/plain" || isJSON(mt)
		},
	}

	Binary = &Type{
		name:        "binary",
		identifiers: []string{"binary", "application/octet-stream"},
		topicType:   broker.TopicTypeBinary,
		parse:       parseBinary,
		matches:     func(string) bool { return true },
	}
)

func isJSON(mt string) bool {
	return mt == "application/json" || mt == "text/json" || strings.HasSuffix(mt, "+json")
}

func parseJSON(body []byte, _ string) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	return buf.Bytes(), nil
}

// parseText decodes body using the charset parameter of contentType,
// defaulting to UTF-8.
func parseText(body []byte, contentType string) ([]byte, error) {
	charset := ""
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		charset = params["charset"]
	}
	if charset == "" || strings.EqualFold(charset, "utf-8") || strings.EqualFold(charset, "utf8") {
		return append([]byte(nil), body...), nil
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	decoded, err := io.ReadAll(enc.NewDecoder().Reader(bytes.NewReader(body)))
	if err != nil {
		return nil, fmt.Errorf("decode %s body: %w", charset, err)
	}
	return decoded, nil
}

func parseBinary(body []byte, _ string) ([]byte, error) {
	return append([]byte(nil), body...), nil
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}
