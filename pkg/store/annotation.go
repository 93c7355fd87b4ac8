package store

import (
	"encoding/json"
	"strings"

	"github.com/jacktea/videonote/pkg/attachment"
	"github.com/jacktea/videonote/pkg/entity"
	"github.com/jacktea/videonote/pkg/xerrors"
)

// AnnotationLogicalName is the logical name of the note collection.
const AnnotationLogicalName = "annotation"

// DefaultNoteText is attached to every created annotation.
const DefaultNoteText = "Video Attachment"

// Annotation is the typed create request for a note carrying a video.
type Annotation struct {
	DocumentBody   string `json:"documentbody"`
	FileName       string `json:"filename"`
	FileSize       int64  `json:"filesize"`
	MIMEType       string `json:"mimetype"`
	Subject        string `json:"subject"`
	NoteText       string `json:"notetext"`
	ObjectTypeCode string `json:"objecttypecode"`

	// BindField/BindValue form the reverse relation to the owner, e.g.
	// "objectid_account@odata.bind": "/accounts(abc-123)".
	BindField string `json:"-"`
	BindValue string `json:"-"`
}

// NewAnnotation builds the request for att owned by owner. att must already
// be descriptor-free.
func NewAnnotation(att *attachment.Encoded, owner entity.Reference, names *entity.Pluralizer) (*Annotation, error) {
	if att == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "annotation", "nil attachment")
	}
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	if attachment.HasDescriptor(att.EncodedContent) {
		return nil, xerrors.E(xerrors.KindInvalid, "annotation", att.FileName+" still carries a scheme descriptor")
	}
	a := &Annotation{
		DocumentBody:   att.EncodedContent,
		FileName:       att.FileName,
		FileSize:       att.SizeBytes,
		MIMEType:       att.MIMEType,
		Subject:        att.FileName,
		NoteText:       DefaultNoteText,
		ObjectTypeCode: owner.TypeName(),
		BindField:      entity.BindField(owner.TypeName()),
		BindValue:      names.Bind(owner),
	}
	return a, a.Validate()
}

// Validate checks the named fields the store requires.
func (a *Annotation) Validate() error {
	switch {
	case a.FileName == "":
		return xerrors.E(xerrors.KindInvalid, "annotation", "missing filename")
	case a.MIMEType == "":
		return xerrors.E(xerrors.KindInvalid, "annotation", "missing mimetype")
	case a.ObjectTypeCode == "":
		return xerrors.E(xerrors.KindInvalid, "annotation", "missing objecttypecode")
	case !strings.HasPrefix(a.BindField, "objectid_") || !strings.HasSuffix(a.BindField, "@odata.bind"):
		return xerrors.E(xerrors.KindInvalid, "annotation", "bad binding field "+a.BindField)
	case !strings.HasPrefix(a.BindValue, "/"):
		return xerrors.E(xerrors.KindInvalid, "annotation", "bad binding value "+a.BindValue)
	}
	return nil
}

// MarshalJSON emits the fixed fields plus the dynamic binding field.
func (a *Annotation) MarshalJSON() ([]byte, error) {
	type plain Annotation
	base, err := json.Marshal((*plain)(a))
	if err != nil {
		return nil, err
	}
	if a.BindField == "" {
		return base, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	value, err := json.Marshal(a.BindValue)
	if err != nil {
		return nil, err
	}
	fields[a.BindField] = value
	return json.Marshal(fields)
}
