// Package upload drives the video upload pipeline: validate, encode,
// preview, persist, acknowledge.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jacktea/videonote/pkg/attachment"
	"github.com/jacktea/videonote/pkg/encoder"
	"github.com/jacktea/videonote/pkg/entity"
	"github.com/jacktea/videonote/pkg/logger"
	"github.com/jacktea/videonote/pkg/metrics"
	"github.com/jacktea/videonote/pkg/xerrors"
)

// ErrBusy is returned when an upload is started while another is running.
var ErrBusy = errors.New("an upload is already in progress")

// Encoder converts a file to a data URI asynchronously.
type Encoder interface {
	Encode(ctx context.Context, f encoder.File) (<-chan encoder.Result, error)
}

// Sink is the playback surface.
type Sink interface {
	Show(encodedText, mimeType string)
}

// Store persists and fetches attachments.
type Store interface {
	Create(ctx context.Context, att *attachment.Encoded, owner entity.Reference) (string, error)
	Fetch(ctx context.Context, id string) (content, mimeType string, err error)
}

// Config wires a Controller.
type Config struct {
	Owner    entity.Reference
	Encoder  Encoder
	Sink     Sink
	Store    Store
	Notifier Notifier
	// Observer, when set, is called on every state transition.
	Observer func(State)
	Log      logger.Logger
	Metrics  *metrics.Metrics
}

// Outcome describes a finished attempt.
type Outcome struct {
	State      State
	Alert      Alert
	Attachment *attachment.Encoded
}

// Controller owns the owner reference and runs one upload at a time.
type Controller struct {
	owner    entity.Reference
	enc      Encoder
	sink     Sink
	store    Store
	notifier Notifier
	observer func(State)
	log      logger.Logger
	metrics  *metrics.Metrics

	state atomic.Int32
	busy  atomic.Bool
}

// New validates cfg and returns an idle Controller.
func New(cfg Config) (*Controller, error) {
	switch {
	case cfg.Encoder == nil:
		return nil, fmt.Errorf("upload: encoder is required")
	case cfg.Sink == nil:
		return nil, fmt.Errorf("upload: playback sink is required")
	case cfg.Store == nil:
		return nil, fmt.Errorf("upload: attachment store is required")
	case cfg.Notifier == nil:
		return nil, fmt.Errorf("upload: notifier is required")
	}
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Controller{
		owner:    cfg.Owner,
		enc:      cfg.Encoder,
		sink:     cfg.Sink,
		store:    cfg.Store,
		notifier: cfg.Notifier,
		observer: cfg.Observer,
		log:      log.With("component", "upload", "owner", cfg.Owner.String()),
		metrics:  cfg.Metrics,
	}, nil
}

// Owner returns the record attachments are linked to.
func (c *Controller) Owner() entity.Reference { return c.owner }

// State returns the current pipeline state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Busy reports whether an upload is in flight.
func (c *Controller) Busy() bool { return c.busy.Load() }

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	c.log.Debug("state", "state", s.String())
	if c.observer != nil {
		c.observer(s)
	}
}

// Upload runs the pipeline for f and fires exactly one alert. A second call
// while one is running returns ErrBusy without an alert. The returned error
// is nil only when the attachment was persisted.
func (c *Controller) Upload(ctx context.Context, f encoder.File) (Outcome, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return Outcome{State: c.State()}, xerrors.Wrap(xerrors.KindBusy, "upload", c.owner.String(), ErrBusy)
	}
	defer func() {
		c.setState(Idle)
		c.busy.Store(false)
	}()

	c.setState(Validating)
	if f == nil {
		return c.fail(ctx, AlertNoFile, nil, xerrors.Wrap(xerrors.KindInvalid, "upload", "", encoder.ErrNoFile))
	}
	if f.MIMEType() != attachment.MP4 {
		return c.fail(ctx, AlertWrongType, nil,
			xerrors.Wrap(xerrors.KindUnsupportedType, "upload", f.Name()+" ("+f.MIMEType()+")", encoder.ErrUnsupportedType))
	}

	c.setState(Encoding)
	results, err := c.enc.Encode(ctx, f)
	if err != nil {
		return c.fail(ctx, alertFor(err), nil, err)
	}
	var res encoder.Result
	select {
	case res = <-results:
	case <-ctx.Done():
		return c.fail(ctx, AlertUploadFailed, nil, xerrors.Wrap(xerrors.KindCanceled, "encode", f.Name(), ctx.Err()))
	}
	if res.Err != nil {
		return c.fail(ctx, AlertUploadFailed, nil, res.Err)
	}
	att := attachment.New(f.Name(), f.MIMEType(), res.Text, f.Size())

	c.setState(Previewing)
	c.sink.Show(att.EncodedContent, att.MIMEType)

	c.setState(Persisting)
	id, err := c.store.Create(ctx, att.ForStore(), c.owner)
	if err != nil {
		// The preview stays on the surface.
		return c.fail(ctx, AlertUploadFailed, att, err)
	}
	if err := att.AssignID(id); err != nil {
		return c.fail(ctx, AlertUploadFailed, att, err)
	}

	c.setState(Succeeded)
	alert := newAlert(AlertUploaded)
	c.notifier.Alert(ctx, alert)
	c.metrics.Upload(AlertUploaded.String(), att.SizeBytes)
	c.log.Info("video uploaded", "id", id, "file", att.FileName, "bytes", att.SizeBytes)
	return Outcome{State: Succeeded, Alert: alert, Attachment: att}, nil
}

func (c *Controller) fail(ctx context.Context, kind AlertKind, att *attachment.Encoded, err error) (Outcome, error) {
	c.setState(Failed)
	alert := newAlert(kind)
	c.notifier.Alert(ctx, alert)
	c.metrics.Upload(kind.String(), 0)
	c.log.Warn("upload failed", "alert", kind.String(), "err", err)
	return Outcome{State: Failed, Alert: alert, Attachment: att}, err
}

func alertFor(err error) AlertKind {
	switch xerrors.KindOf(err) {
	case xerrors.KindUnsupportedType:
		return AlertWrongType
	case xerrors.KindInvalid:
		if errors.Is(err, encoder.ErrNoFile) {
			return AlertNoFile
		}
	}
	return AlertUploadFailed
}

// Play fetches a stored attachment and shows it on the surface.
func (c *Controller) Play(ctx context.Context, id string) error {
	content, mime, err := c.store.Fetch(ctx, id)
	if err != nil {
		c.log.Warn("play failed", "id", id, "err", err)
		return err
	}
	c.sink.Show(content, mime)
	return nil
}
