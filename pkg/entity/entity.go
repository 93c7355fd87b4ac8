// Package entity identifies the host record a video attachment belongs to.
package entity

import (
	"strings"

	"github.com/jacktea/videonote/pkg/xerrors"
)

// Reference identifies an owner record by logical type name and id.
// It is immutable once constructed.
type Reference struct {
	typeName string
	id       string
}

// NewReference builds a Reference. Values are trimmed but not validated so
// callers can construct a reference before deciding whether to persist.
func NewReference(typeName, id string) Reference {
	return Reference{typeName: strings.TrimSpace(typeName), id: strings.TrimSpace(id)}
}

// TypeName returns the owner's logical type name, e.g. "account".
func (r Reference) TypeName() string { return r.typeName }

// ID returns the owner record id.
func (r Reference) ID() string { return r.id }

// Validate fails unless both fields are set.
func (r Reference) Validate() error {
	if r.typeName == "" {
		return xerrors.E(xerrors.KindInvalid, "entity", "missing type name")
	}
	if r.id == "" {
		return xerrors.E(xerrors.KindInvalid, "entity", "missing id for "+r.typeName)
	}
	return nil
}

func (r Reference) String() string {
	return r.typeName + "(" + r.id + ")"
}
