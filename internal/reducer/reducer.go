package reducer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownDocumentType indicates that no model is registered for a document type.
	ErrUnknownDocumentType = errors.New("reducer: unknown document type")
	// ErrUnknownActionType indicates that the model has no handler for an action type.
	ErrUnknownActionType = errors.New("reducer: unknown action type")
	// ErrDuplicateDocumentType indicates that two models claim the same document type.
	ErrDuplicateDocumentType = errors.New("reducer: duplicate document type")
)

// State is one document's typed state. Handlers receive state as an
// immutable view and must return a freshly constructed value; Clone
// produces the working copy a handler is allowed to build on.
type State interface {
	Clone() State
}

// Action is the decoded mutation a handler folds into state. Timestamp is
// the operation's recorded time, injected so handlers never read the clock.
type Action struct {
	Type      string
	Input     json.RawMessage
	Timestamp time.Time
}

// Handler folds one action into state. Same (state, action) input must
// always yield the same output.
type Handler func(state State, action Action) (State, error)

// Model describes one document type: its initial state, its state
// serialization, and the handlers for each action type it supports.
type Model interface {
	DocumentType() string
	InitialState() State
	EncodeState(state State) ([]byte, error)
	DecodeState(data []byte) (State, error)
	Operations() map[string]Handler
}

// Registry maps (documentType, actionType) to handlers. It is built once
// at startup and never mutated afterwards.
type Registry struct {
	models   map[string]Model
	handlers map[string]map[string]Handler
}

// NewRegistry builds a closed registry from the provided models.
func NewRegistry(models ...Model) (*Registry, error) {
	registry := &Registry{
		models:   make(map[string]Model, len(models)),
		handlers: make(map[string]map[string]Handler, len(models)),
	}
	for _, model := range models {
		documentType := model.DocumentType()
		if documentType == "" {
			return nil, fmt.Errorf("%w: empty", ErrUnknownDocumentType)
		}
		if _, exists := registry.models[documentType]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDocumentType, documentType)
		}
		registry.models[documentType] = model
		registry.handlers[documentType] = model.Operations()
	}
	return registry, nil
}

// Model returns the registered model for a document type.
func (r *Registry) Model(documentType string) (Model, error) {
	model, ok := r.models[documentType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDocumentType, documentType)
	}
	return model, nil
}

// Apply dispatches the action to the registered handler and returns the new
// state. The input state is never mutated; a rejection leaves it untouched.
func (r *Registry) Apply(documentType string, state State, action Action) (State, error) {
	handlers, ok := r.handlers[documentType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDocumentType, documentType)
	}
	handler, ok := handlers[action.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s for document type %s", ErrUnknownActionType, action.Type, documentType)
	}
	return handler(state, action)
}
