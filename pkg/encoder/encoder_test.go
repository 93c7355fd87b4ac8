package encoder

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"mime/multipart"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/videonote/pkg/attachment"
	"github.com/jacktea/videonote/pkg/xerrors"
)

// mp4Header is a minimal ISO base media ftyp box with the isom brand.
var mp4Header = []byte{0, 0, 0, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm', 0, 0, 2, 0, 'i', 's', 'o', 'm', 'm', 'p', '4', '1'}

var movHeader = []byte{0, 0, 0, 0x14, 'f', 't', 'y', 'p', 'q', 't', ' ', ' ', 0, 0, 2, 0, 'q', 't', ' ', ' '}

func recv(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	res, ok := <-ch
	require.True(t, ok, "expected a result")
	_, more := <-ch
	require.False(t, more, "expected exactly one result")
	return res
}

func TestEncodeProducesDataURI(t *testing.T) {
	data := append(append([]byte{}, mp4Header...), bytes.Repeat([]byte{0xAB}, 1000)...)
	f := FromBytes("clip.mp4", attachment.MP4, data)

	ch, err := New(Options{}).Encode(context.Background(), f)
	require.NoError(t, err)
	res := recv(t, ch)
	require.NoError(t, res.Err)
	assert.Same(t, f, res.File)
	require.True(t, strings.HasPrefix(res.Text, "data:video/mp4;base64,"))

	decoded, err := base64.StdEncoding.DecodeString(attachment.StripDescriptor(res.Text))
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestEncodeRejectsBeforeReading(t *testing.T) {
	enc := New(Options{MaxBytes: 4})

	_, err := enc.Encode(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoFile)

	_, err = enc.Encode(context.Background(), &failingFile{name: "clip.mov", mime: "video/quicktime"})
	require.ErrorIs(t, err, ErrUnsupportedType)
	assert.Equal(t, xerrors.KindUnsupportedType, xerrors.KindOf(err))

	_, err = enc.Encode(context.Background(), FromBytes("big.mp4", attachment.MP4, make([]byte, 5)))
	assert.Equal(t, xerrors.KindTooLarge, xerrors.KindOf(err))
}

func TestEncodeReportsReadFailure(t *testing.T) {
	ch, err := New(Options{}).Encode(context.Background(), &failingFile{name: "clip.mp4", mime: attachment.MP4})
	require.NoError(t, err)
	res := recv(t, ch)
	require.Error(t, res.Err)
	assert.Equal(t, xerrors.KindIO, xerrors.KindOf(res.Err))
	assert.Empty(t, res.Text)
}

func TestEncodeCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch, err := New(Options{}).Encode(ctx, FromBytes("clip.mp4", attachment.MP4, mp4Header))
	require.NoError(t, err)
	res := recv(t, ch)
	assert.Equal(t, xerrors.KindCanceled, xerrors.KindOf(res.Err))
}

func TestFromFilesystemSniffsType(t *testing.T) {
	fsys := memfs.New()
	require.NoError(t, util.WriteFile(fsys, "/videos/clip.mp4", mp4Header, 0o644))
	require.NoError(t, util.WriteFile(fsys, "/videos/clip.mov", movHeader, 0o644))
	require.NoError(t, fsys.MkdirAll("/videos/dir", 0o755))

	f, err := FromFilesystem(fsys, "/videos/clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, "clip.mp4", f.Name())
	assert.Equal(t, attachment.MP4, f.MIMEType())
	assert.Equal(t, int64(len(mp4Header)), f.Size())

	rc, err := f.Open()
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, mp4Header, got)

	mov, err := FromFilesystem(fsys, "/videos/clip.mov")
	require.NoError(t, err)
	assert.Equal(t, "video/quicktime", mov.MIMEType())

	_, err = FromFilesystem(fsys, "/videos/missing.mp4")
	assert.Equal(t, xerrors.KindNotFound, xerrors.KindOf(err))

	_, err = FromFilesystem(fsys, "/videos/dir")
	assert.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))
}

func TestFromMultipart(t *testing.T) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="clip.mp4"`)
	h.Set("Content-Type", attachment.MP4)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, _ = part.Write(mp4Header)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	require.NoError(t, req.ParseMultipartForm(1<<20))
	fh := req.MultipartForm.File["file"][0]

	f := FromMultipart(fh)
	assert.Equal(t, "clip.mp4", f.Name())
	assert.Equal(t, attachment.MP4, f.MIMEType())
	assert.Equal(t, int64(len(mp4Header)), f.Size())
	assert.Nil(t, FromMultipart(nil))
}

type failingFile struct {
	name string
	mime string
}

func (f *failingFile) Name() string     { return f.name }
func (f *failingFile) MIMEType() string { return f.mime }
func (f *failingFile) Size() int64      { return 10 }
func (f *failingFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(&errReader{}), nil
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }
