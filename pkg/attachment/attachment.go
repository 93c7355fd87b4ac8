// Package attachment defines the encoded video value object and the data URI
// descriptor handling shared by playback and persistence.
package attachment

import (
	"strings"

	"github.com/jacktea/videonote/pkg/xerrors"
)

// MP4 is the only MIME type accepted for upload.
const MP4 = "video/mp4"

// Encoded is a video file represented as text plus metadata. ID stays empty
// until the store assigns one.
type Encoded struct {
	ID             string `json:"id,omitempty"`
	FileName       string `json:"file_name"`
	MIMEType       string `json:"mime_type"`
	EncodedContent string `json:"-"`
	SizeBytes      int64  `json:"size_bytes"`
}

// New builds an attachment around a data URI produced by the encoder.
func New(fileName, mimeType, dataURI string, size int64) *Encoded {
	return &Encoded{
		FileName:       fileName,
		MIMEType:       mimeType,
		EncodedContent: dataURI,
		SizeBytes:      size,
	}
}

// AssignID records the identifier returned by the store. An id can only be
// assigned once.
func (e *Encoded) AssignID(id string) error {
	if id == "" {
		return xerrors.E(xerrors.KindInvalid, "assign id", e.FileName)
	}
	if e.ID != "" {
		return xerrors.E(xerrors.KindInvalid, "assign id", e.FileName+" already has "+e.ID)
	}
	e.ID = id
	return nil
}

// Persisted reports whether the store assigned an id.
func (e *Encoded) Persisted() bool { return e.ID != "" }

// Payload returns the content with any scheme descriptor removed.
func (e *Encoded) Payload() string {
	return StripDescriptor(e.EncodedContent)
}

// ForStore returns a copy whose content is descriptor-free, ready for
// transmission.
func (e *Encoded) ForStore() *Encoded {
	cp := *e
	cp.EncodedContent = StripDescriptor(e.EncodedContent)
	return &cp
}

// Descriptor is the data URI prefix announcing mimeType as base64.
func Descriptor(mimeType string) string {
	return "data:" + mimeType + ";base64,"
}

// DataURI prepends the descriptor for mimeType to a base64 payload.
func DataURI(mimeType, payload string) string {
	return Descriptor(mimeType) + payload
}

// HasDescriptor reports whether s starts with a data URI scheme descriptor.
func HasDescriptor(s string) bool {
	_, _, ok := splitDescriptor(s)
	return ok
}

// StripDescriptor removes a leading "data:<mime>;base64," tag. Strings
// without one are returned unchanged.
func StripDescriptor(s string) string {
	if _, payload, ok := splitDescriptor(s); ok {
		return payload
	}
	return s
}

// DescriptorMIME returns the MIME type declared by the descriptor, if any.
func DescriptorMIME(s string) (string, bool) {
	mime, _, ok := splitDescriptor(s)
	return mime, ok
}

func splitDescriptor(s string) (mime, payload string, ok bool) {
	if !strings.HasPrefix(s, "data:") {
		return "", "", false
	}
	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return "", "", false
	}
	head := s[len("data:"):comma]
	if !strings.HasSuffix(head, ";base64") {
		return "", "", false
	}
	return strings.TrimSuffix(head, ";base64"), s[comma+1:], true
}
