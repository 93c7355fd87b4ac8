package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/videonote/pkg/attachment"
	"github.com/jacktea/videonote/pkg/encoder"
	"github.com/jacktea/videonote/pkg/entity"
	"github.com/jacktea/videonote/pkg/playback"
	"github.com/jacktea/videonote/pkg/store"
	"github.com/jacktea/videonote/pkg/xerrors"
)

type fakeStore struct {
	mu      sync.Mutex
	calls   int
	atts    []*attachment.Encoded
	owners  []entity.Reference
	id      string
	err     error
	block   chan struct{}
	entered chan struct{}

	fetched map[string][2]string
}

func (f *fakeStore) Create(ctx context.Context, att *attachment.Encoded, owner entity.Reference) (string, error) {
	f.mu.Lock()
	f.calls++
	f.atts = append(f.atts, att)
	f.owners = append(f.owners, owner)
	f.mu.Unlock()
	if f.entered != nil {
		close(f.entered)
	}
	if f.block != nil {
		<-f.block
	}
	return f.id, f.err
}

func (f *fakeStore) Fetch(ctx context.Context, id string) (string, string, error) {
	v, ok := f.fetched[id]
	if !ok {
		return "", "", xerrors.E(xerrors.KindNotFound, "fetch", id)
	}
	return v[0], v[1], nil
}

type countingEncoder struct {
	inner *encoder.Encoder
	calls int
}

func (c *countingEncoder) Encode(ctx context.Context, f encoder.File) (<-chan encoder.Result, error) {
	c.calls++
	return c.inner.Encode(ctx, f)
}

type harness struct {
	ctrl   *Controller
	enc    *countingEncoder
	sink   *playback.Sink
	store  *fakeStore
	alerts *Recorder
	states []State
}

func newHarness(t *testing.T, st *fakeStore) *harness {
	t.Helper()
	h := &harness{
		enc:    &countingEncoder{inner: encoder.New(encoder.Options{})},
		sink:   playback.NewSink(playback.Options{}),
		store:  st,
		alerts: &Recorder{},
	}
	var mu sync.Mutex
	ctrl, err := New(Config{
		Owner:    entity.NewReference("account", "abc-123"),
		Encoder:  h.enc,
		Sink:     h.sink,
		Store:    st,
		Notifier: h.alerts,
		Observer: func(s State) {
			mu.Lock()
			h.states = append(h.states, s)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

func clip(size int) encoder.File {
	return encoder.FromBytes("clip.mp4", attachment.MP4, bytes.Repeat([]byte{0x42}, size))
}

func TestUploadSucceeds(t *testing.T) {
	h := newHarness(t, &fakeStore{id: "note-1"})
	f := clip(2 << 20)

	out, err := h.ctrl.Upload(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, Succeeded, out.State)
	assert.Equal(t, AlertUploaded, out.Alert.Kind)
	require.NotNil(t, out.Attachment)
	assert.Equal(t, "note-1", out.Attachment.ID)
	assert.Equal(t, []State{Validating, Encoding, Previewing, Persisting, Succeeded, Idle}, h.states)
	assert.Equal(t, Idle, h.ctrl.State())

	require.Len(t, h.alerts.Alerts(), 1)
	assert.Equal(t, "Uploaded video successfully!!", h.alerts.Alerts()[0].Message)

	// The store receives the stripped payload; the sink the full data URI.
	require.Equal(t, 1, h.store.calls)
	sent := h.store.atts[0]
	assert.False(t, attachment.HasDescriptor(sent.EncodedContent))
	decoded, err := base64.StdEncoding.DecodeString(sent.EncodedContent)
	require.NoError(t, err)
	assert.Len(t, decoded, 2<<20)
	assert.Equal(t, int64(2<<20), sent.SizeBytes)
	assert.Equal(t, "clip.mp4", sent.FileName)
	assert.Equal(t, entity.NewReference("account", "abc-123"), h.store.owners[0])

	src, ok := h.sink.Source()
	require.True(t, ok)
	assert.True(t, attachment.HasDescriptor(src.Src))
	assert.Equal(t, attachment.MP4, src.Type)
}

func TestUploadScenarioBuildsAnnotation(t *testing.T) {
	rec := &recordingService{id: "note-1"}
	st, err := store.New(store.Config{Records: rec})
	require.NoError(t, err)
	alerts := &Recorder{}
	var states []State
	ctrl, err := New(Config{
		Owner:    entity.NewReference("account", "abc-123"),
		Encoder:  encoder.New(encoder.Options{}),
		Sink:     playback.NewSink(playback.Options{}),
		Store:    st,
		Notifier: alerts,
		Observer: func(s State) { states = append(states, s) },
	})
	require.NoError(t, err)

	out, err := ctrl.Upload(context.Background(), clip(2<<20))
	require.NoError(t, err)
	assert.Equal(t, Succeeded, out.State)
	assert.Contains(t, states, Persisting)
	req := rec.last.(*store.Annotation)
	assert.Equal(t, "account", req.ObjectTypeCode)
	assert.Equal(t, "objectid_account@odata.bind", req.BindField)
	assert.Equal(t, "/accounts(abc-123)", req.BindValue)
	assert.Len(t, alerts.Alerts(), 1)
}

func TestUploadStoreFailure(t *testing.T) {
	h := newHarness(t, &fakeStore{err: errors.New("remote said no")})

	out, err := h.ctrl.Upload(context.Background(), clip(1024))
	require.Error(t, err)
	assert.Equal(t, Failed, out.State)
	require.NotNil(t, out.Attachment)
	assert.Empty(t, out.Attachment.ID)
	require.Len(t, h.alerts.Alerts(), 1)
	assert.Equal(t, AlertUploadFailed, h.alerts.Alerts()[0].Kind)

	// No rollback: the preview is still on the surface.
	_, ok := h.sink.Source()
	assert.True(t, ok)
}

func TestUploadWrongType(t *testing.T) {
	h := newHarness(t, &fakeStore{id: "x"})
	for _, mime := range []string{"video/quicktime", "video/webm", "", "video/MP4"} {
		_, err := h.ctrl.Upload(context.Background(), encoder.FromBytes("clip.mov", mime, []byte("x")))
		assert.Equal(t, xerrors.KindUnsupportedType, xerrors.KindOf(err))
	}
	assert.Equal(t, 0, h.enc.calls)
	assert.Equal(t, 0, h.store.calls)
	alerts := h.alerts.Alerts()
	require.Len(t, alerts, 4)
	for _, a := range alerts {
		assert.Equal(t, AlertWrongType, a.Kind)
		assert.Equal(t, "Please attach only mp4 file!", a.Message)
	}
	assert.NotContains(t, h.states, Encoding)
}

func TestUploadNoFile(t *testing.T) {
	h := newHarness(t, &fakeStore{id: "x"})
	out, err := h.ctrl.Upload(context.Background(), nil)
	require.ErrorIs(t, err, encoder.ErrNoFile)
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, 0, h.enc.calls)
	require.Len(t, h.alerts.Alerts(), 1)
	assert.Equal(t, AlertNoFile, h.alerts.Alerts()[0].Kind)
	assert.NotContains(t, h.states, Encoding)
}

func TestUploadReadFailure(t *testing.T) {
	h := newHarness(t, &fakeStore{id: "x"})
	_, err := h.ctrl.Upload(context.Background(), brokenFile{})
	assert.Equal(t, xerrors.KindIO, xerrors.KindOf(err))
	assert.Equal(t, 0, h.store.calls)
	require.Len(t, h.alerts.Alerts(), 1)
	assert.Equal(t, AlertUploadFailed, h.alerts.Alerts()[0].Kind)
	_, ok := h.sink.Source()
	assert.False(t, ok)
}

func TestUploadRejectsConcurrentAttempt(t *testing.T) {
	st := &fakeStore{id: "note-1", block: make(chan struct{}), entered: make(chan struct{})}
	h := newHarness(t, st)

	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Upload(context.Background(), clip(16))
		done <- err
	}()
	<-st.entered
	assert.True(t, h.ctrl.Busy())
	assert.Equal(t, Persisting, h.ctrl.State())

	_, err := h.ctrl.Upload(context.Background(), clip(16))
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, xerrors.KindBusy, xerrors.KindOf(err))

	close(st.block)
	require.NoError(t, <-done)
	assert.False(t, h.ctrl.Busy())
	assert.Len(t, h.alerts.Alerts(), 1)

	// Ready for the next upload with nothing carried over.
	st.block, st.entered = nil, nil
	st.id = "note-2"
	out, err := h.ctrl.Upload(context.Background(), clip(16))
	require.NoError(t, err)
	assert.Equal(t, "note-2", out.Attachment.ID)
}

func TestPlay(t *testing.T) {
	st := &fakeStore{fetched: map[string][2]string{"note-1": {"data:video/mp4;base64,QUJD", "video/mp4"}}}
	h := newHarness(t, st)

	require.NoError(t, h.ctrl.Play(context.Background(), "note-1"))
	src, ok := h.sink.Source()
	require.True(t, ok)
	assert.Equal(t, "data:video/mp4;base64,QUJD", src.Src)

	err := h.ctrl.Play(context.Background(), "missing")
	assert.Equal(t, xerrors.KindNotFound, xerrors.KindOf(err))
	assert.Empty(t, h.alerts.Alerts())
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

type recordingService struct {
	id   string
	last any
}

func (r *recordingService) CreateRecord(ctx context.Context, logicalName string, record any) (string, error) {
	r.last = record
	return r.id, nil
}

func (r *recordingService) RetrieveRecord(ctx context.Context, logicalName, id string, columns ...string) (map[string]any, error) {
	return nil, errors.New("not implemented")
}

type brokenFile struct{}

func (brokenFile) Name() string     { return "clip.mp4" }
func (brokenFile) MIMEType() string { return attachment.MP4 }
func (brokenFile) Size() int64      { return 4 }
func (brokenFile) Open() (io.ReadCloser, error) {
	return nil, errors.New("permission denied")
}
