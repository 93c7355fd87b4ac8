// Package encoder turns a selected video file into a base64 data URI.
package encoder

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"github.com/jacktea/videonote/pkg/attachment"
	"github.com/jacktea/videonote/pkg/xerrors"
)

var (
	// ErrNoFile is returned when Encode is called without a file.
	ErrNoFile = errors.New("no file selected")
	// ErrUnsupportedType is returned for anything other than video/mp4.
	ErrUnsupportedType = errors.New("only video/mp4 is accepted")
)

// Result is the single completion of an Encode call.
type Result struct {
	File File
	Text string
	Err  error
}

// Options configure an Encoder.
type Options struct {
	// MaxBytes rejects larger files before reading. Zero means no limit.
	MaxBytes int64
}

// Encoder reads files into memory and encodes them as data URIs.
type Encoder struct {
	opts Options
}

// New returns an Encoder.
func New(opts Options) *Encoder {
	return &Encoder{opts: opts}
}

// Check applies the synchronous admission rules without reading.
func (e *Encoder) Check(f File) error {
	if f == nil {
		return xerrors.Wrap(xerrors.KindInvalid, "encode", "", ErrNoFile)
	}
	if f.MIMEType() != attachment.MP4 {
		return xerrors.Wrap(xerrors.KindUnsupportedType, "encode", f.Name(), ErrUnsupportedType)
	}
	if e.opts.MaxBytes > 0 && f.Size() > e.opts.MaxBytes {
		return xerrors.E(xerrors.KindTooLarge, "encode", f.Name())
	}
	return nil
}

// Encode validates f and, when accepted, reads it in the background. The
// returned channel delivers exactly one Result for f carrying the complete
// "data:video/mp4;base64,..." text, then closes.
func (e *Encoder) Encode(ctx context.Context, f File) (<-chan Result, error) {
	if err := e.Check(f); err != nil {
		return nil, err
	}
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		text, err := e.read(ctx, f)
		if err != nil {
			out <- Result{File: f, Err: err}
			return
		}
		out <- Result{File: f, Text: text}
	}()
	return out, nil
}

func (e *Encoder) read(ctx context.Context, f File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindIO, "open", f.Name(), err)
	}
	defer rc.Close()

	var b strings.Builder
	if n := f.Size(); n > 0 {
		b.Grow(len(attachment.Descriptor(f.MIMEType())) + base64.StdEncoding.EncodedLen(int(n)))
	}
	b.WriteString(attachment.Descriptor(f.MIMEType()))
	enc := base64.NewEncoder(base64.StdEncoding, &b)
	if _, err := io.Copy(enc, &ctxReader{ctx: ctx, r: rc}); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", xerrors.Wrap(xerrors.KindCanceled, "read", f.Name(), ctxErr)
		}
		return "", xerrors.Wrap(xerrors.KindIO, "read", f.Name(), err)
	}
	if err := enc.Close(); err != nil {
		return "", xerrors.Wrap(xerrors.KindIO, "read", f.Name(), err)
	}
	return b.String(), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
