package domain

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ContentType is one resource type as configured at startup.
type ContentType struct {
	Base   string      `yaml:"base" json:"base"`
	Name   string      `yaml:"name" json:"name"`
	Fields FieldSchema `yaml:"fields" json:"fields"`
	Unique []string    `yaml:"unique" json:"unique,omitempty"`
}

// EntryView is the read access business rules get to the read store.
type EntryView interface {
	Get(ctx context.Context, resourceType, resourceID string) (Entry, error)
	List(ctx context.Context, resourceType string) iter.Seq2[Entry, error]
}

// Mutation is a structurally valid command as seen by business rules.
type Mutation struct {
	Verb         Verb
	ResourceType string
	ResourceID   string
	Body         map[string]any
	User         string
}

type Rules interface {
	ValidateCreate(ctx context.Context, view EntryView, m Mutation) error
	ValidateUpdate(ctx context.Context, view EntryView, m Mutation, current Entry) error
	ValidateDelete(ctx context.Context, view EntryView, m Mutation, current Entry) error
}

// Change is an accepted event as seen by a reducer.
type Change struct {
	Verb    Verb
	Body    map[string]any
	Version int64
}

type Reducer interface {
	Reduce(state map[string]any, change Change) (map[string]any, error)
}

// Handler is the capability set registered per resource type.
type Handler struct {
	Rules   Rules
	Reducer Reducer
}

type resource struct {
	contentType ContentType
	schema      *jsonschema.Schema
	handler     Handler
}

// Registry maps resource types to their schema and capabilities. It is built
// once at startup and never mutated afterwards.
type Registry struct {
	byBase map[string]*resource
	byName map[string]*resource
	bases  []string
}

type RegistryOption func(map[string]Handler)

// WithHandler replaces the default capabilities of one resource type.
func WithHandler(base string, h Handler) RegistryOption {
	return func(m map[string]Handler) {
		m[base] = h
	}
}

func NewRegistry(types []ContentType, opts ...RegistryOption) (*Registry, error) {
	overrides := map[string]Handler{}
	for _, opt := range opts {
		opt(overrides)
	}
	reg := &Registry{
		byBase: make(map[string]*resource, len(types)),
		byName: make(map[string]*resource, len(types)),
	}
	for _, ct := range types {
		ct.Base = strings.TrimSpace(ct.Base)
		ct.Name = strings.TrimSpace(ct.Name)
		if ct.Base == "" || ct.Name == "" {
			return nil, fmt.Errorf("%w: content type base and name are required", ErrInvalidInput)
		}
		if _, dup := reg.byBase[ct.Base]; dup {
			return nil, fmt.Errorf("%w: duplicate content type base %q", ErrInvalidInput, ct.Base)
		}
		if _, dup := reg.byName[ct.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate content type name %q", ErrInvalidInput, ct.Name)
		}
		for _, u := range ct.Unique {
			if _, ok := ct.Fields.Field(u); !ok {
				return nil, fmt.Errorf("%w: unique field %q is not declared on %s", ErrInvalidInput, u, ct.Base)
			}
		}
		schema, err := compileSchema(ct.Base, ct.Fields)
		if err != nil {
			return nil, err
		}
		h, ok := overrides[ct.Base]
		if !ok {
			h = Handler{}
		}
		if h.Rules == nil {
			h.Rules = UniqueFieldRules{Fields: ct.Unique}
		}
		if h.Reducer == nil {
			h.Reducer = ReplaceReducer{}
		}
		delete(overrides, ct.Base)
		r := &resource{contentType: ct, schema: schema, handler: h}
		reg.byBase[ct.Base] = r
		reg.byName[ct.Name] = r
		reg.bases = append(reg.bases, ct.Base)
	}
	if len(overrides) > 0 {
		unknown := make([]string, 0, len(overrides))
		for base := range overrides {
			unknown = append(unknown, base)
		}
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: handlers registered for unknown content types %v", ErrInvalidInput, unknown)
	}
	sort.Strings(reg.bases)
	return reg, nil
}

// Bases lists the registered resource types in sorted order.
func (r *Registry) Bases() []string {
	return append([]string(nil), r.bases...)
}

func (r *Registry) ContentType(base string) (ContentType, error) {
	res, ok := r.byBase[base]
	if !ok {
		return ContentType{}, fmt.Errorf("%w: content type %q", ErrNotFound, base)
	}
	return res.contentType, nil
}

func (r *Registry) SchemaFor(base string) (FieldSchema, error) {
	ct, err := r.ContentType(base)
	if err != nil {
		return nil, err
	}
	return append(FieldSchema(nil), ct.Fields...), nil
}

func (r *Registry) HandlerFor(base string) (Handler, error) {
	res, ok := r.byBase[base]
	if !ok {
		return Handler{}, fmt.Errorf("%w: content type %q", ErrNotFound, base)
	}
	return res.handler, nil
}

// ValidateBody checks a command body against the resource schema.
func (r *Registry) ValidateBody(base string, body map[string]any) error {
	res, ok := r.byBase[base]
	if !ok {
		return fmt.Errorf("%w: content type %q", ErrSchemaInvalid, base)
	}
	return validateAgainst(res.schema, body)
}

// ResolveCommand splits a command type like "createEntry" into its verb and
// content type.
func (r *Registry) ResolveCommand(commandType string) (Verb, ContentType, error) {
	for _, v := range verbs {
		name, ok := strings.CutPrefix(commandType, string(v))
		if !ok || name == "" {
			continue
		}
		res, ok := r.byName[name]
		if !ok {
			return "", ContentType{}, fmt.Errorf("%w: %q names no content type", ErrUnknownCommand, commandType)
		}
		return v, res.contentType, nil
	}
	return "", ContentType{}, fmt.Errorf("%w: %q", ErrUnknownCommand, commandType)
}

// CommandType builds the command type for a verb and content type name.
func CommandType(v Verb, name string) string {
	return string(v) + name
}

// EventType builds the past-tense event type, e.g. "entryCreated".
func EventType(name string, v Verb) string {
	return lowerFirst(name) + v.pastTense()
}

// ParseEventType returns the verb encoded in an event type suffix.
func ParseEventType(eventType string) (Verb, error) {
	for _, v := range verbs {
		if prefix, ok := strings.CutSuffix(eventType, v.pastTense()); ok && prefix != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: unknown event type %q", ErrCorruptEnvelope, eventType)
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToLower(r)) + s[size:]
}
