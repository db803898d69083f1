package journal

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// Default stream coordinates. Scopes partition orthogonal concerns of one
// document; branches partition alternate histories of one scope.
const (
	ScopeGlobal   = "global"
	ScopeLocal    = "local"
	BranchMain    = "main"
	genesisDomain = "opfold:genesis:v1"
)

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("journal: invalid document id")
	// ErrInvalidScope indicates that a scope name is empty or exceeds storage bounds.
	ErrInvalidScope = errors.New("journal: invalid scope")
	// ErrInvalidBranch indicates that a branch name is empty or exceeds storage bounds.
	ErrInvalidBranch = errors.New("journal: invalid branch")
	// ErrInvalidActionType indicates that an action type is empty.
	ErrInvalidActionType = errors.New("journal: invalid action type")
)

func validateIdentifier(rawInput string, invalid error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", invalid)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", invalid, maxIdentifierLength)
	}
	return trimmed, nil
}

// StreamKey addresses one totally ordered operation sequence: the
// (documentId, scope, branch) triple.
type StreamKey struct {
	DocumentID string
	Scope      string
	Branch     string
}

// NewStreamKey validates the triple and returns a StreamKey.
func NewStreamKey(documentID, scope, branch string) (StreamKey, error) {
	doc, err := validateIdentifier(documentID, ErrInvalidDocumentID)
	if err != nil {
		return StreamKey{}, err
	}
	scopeName, err := validateIdentifier(scope, ErrInvalidScope)
	if err != nil {
		return StreamKey{}, err
	}
	branchName, err := validateIdentifier(branch, ErrInvalidBranch)
	if err != nil {
		return StreamKey{}, err
	}
	return StreamKey{DocumentID: doc, Scope: scopeName, Branch: branchName}, nil
}

// String renders the stream key for logs and error messages.
func (k StreamKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.DocumentID, k.Scope, k.Branch)
}

// Operation models one persisted, immutable state transition in a stream.
// Every field is fixed at append time; superseding an operation happens
// through a later operation's Skip, never by editing the row.
type Operation struct {
	ID                 string `gorm:"column:id;primaryKey;size:190;not null"`
	OpID               string `gorm:"column:op_id;size:190;not null;default:''"`
	DocumentID         string `gorm:"column:document_id;size:190;not null;uniqueIndex:idx_operations_stream_index,priority:1"`
	Scope              string `gorm:"column:scope;size:190;not null;uniqueIndex:idx_operations_stream_index,priority:2"`
	Branch             string `gorm:"column:branch;size:190;not null;uniqueIndex:idx_operations_stream_index,priority:3"`
	OpIndex            int64  `gorm:"column:op_index;not null;uniqueIndex:idx_operations_stream_index,priority:4"`
	Skip               int64  `gorm:"column:skip;not null;default:0"`
	Hash               string `gorm:"column:hash;size:64;not null"`
	PrevHash           string `gorm:"column:prev_hash;size:64;not null"`
	TimestampMillis    int64  `gorm:"column:timestamp_ms;not null"`
	ActionType         string `gorm:"column:action_type;size:190;not null"`
	InputJSON          string `gorm:"column:input_json;type:text;not null"`
	ContextJSON        string `gorm:"column:context_json;type:text;not null;default:''"`
	ResultingStateJSON string `gorm:"column:resulting_state_json;type:text;not null;default:''"`
	Clipboard          bool   `gorm:"column:clipboard;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Operation) TableName() string {
	return "operations"
}

// Key returns the stream key the operation belongs to.
func (o Operation) Key() StreamKey {
	return StreamKey{DocumentID: o.DocumentID, Scope: o.Scope, Branch: o.Branch}
}

// SynchronizationUnit is the materialized identity of one stream. Units are
// created lazily on a stream's first append and drive replication: a
// replica pulls the units it does not have, then the operations after its
// last known index per unit.
type SynchronizationUnit struct {
	ID              string `gorm:"column:id;primaryKey;size:190;not null"`
	DocumentID      string `gorm:"column:document_id;size:190;not null;uniqueIndex:idx_sync_units_stream,priority:1"`
	Scope           string `gorm:"column:scope;size:190;not null;uniqueIndex:idx_sync_units_stream,priority:2"`
	Branch          string `gorm:"column:branch;size:190;not null;uniqueIndex:idx_sync_units_stream,priority:3"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SynchronizationUnit) TableName() string {
	return "synchronization_units"
}

// Key returns the stream key the unit identifies.
func (u SynchronizationUnit) Key() StreamKey {
	return StreamKey{DocumentID: u.DocumentID, Scope: u.Scope, Branch: u.Branch}
}
