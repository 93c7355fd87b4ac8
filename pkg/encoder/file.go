package encoder

import (
	"bytes"
	"io"
	"mime/multipart"
	"path"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-git/go-billy/v5"

	"github.com/jacktea/videonote/pkg/xerrors"
)

// File is a user-selected file: a byte stream plus its declared metadata.
type File interface {
	Name() string
	MIMEType() string
	Size() int64
	Open() (io.ReadCloser, error)
}

type fsFile struct {
	fs   billy.Filesystem
	path string
	name string
	mime string
	size int64
}

// FromFilesystem describes path on fsys. The declared MIME type is sniffed
// from the file header, so a QuickTime file renamed to .mp4 is still
// reported as video/quicktime.
func FromFilesystem(fsys billy.Filesystem, p string) (File, error) {
	info, err := fsys.Stat(p)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindOf(err), "stat", p, err)
	}
	if info.IsDir() {
		return nil, xerrors.E(xerrors.KindInvalid, "stat", p+" is a directory")
	}
	f, err := fsys.Open(p)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindIO, "open", p, err)
	}
	defer f.Close()
	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindIO, "sniff", p, err)
	}
	return &fsFile{
		fs:   fsys,
		path: p,
		name: path.Base(info.Name()),
		mime: baseMIME(mt),
		size: info.Size(),
	}, nil
}

func (f *fsFile) Name() string     { return f.name }
func (f *fsFile) MIMEType() string { return f.mime }
func (f *fsFile) Size() int64      { return f.size }

func (f *fsFile) Open() (io.ReadCloser, error) {
	return f.fs.Open(f.path)
}

func baseMIME(mt *mimetype.MIME) string {
	if mt == nil {
		return "application/octet-stream"
	}
	s := mt.String()
	for i := 0; i < len(s); i++ {
		if s[i] == ';' {
			return s[:i]
		}
	}
	return s
}

type partFile struct {
	fh *multipart.FileHeader
}

// FromMultipart wraps an uploaded form part. The declared MIME type is the
// part's Content-Type as sent by the client.
func FromMultipart(fh *multipart.FileHeader) File {
	if fh == nil {
		return nil
	}
	return &partFile{fh: fh}
}

func (p *partFile) Name() string     { return p.fh.Filename }
func (p *partFile) MIMEType() string { return p.fh.Header.Get("Content-Type") }
func (p *partFile) Size() int64      { return p.fh.Size }

func (p *partFile) Open() (io.ReadCloser, error) {
	return p.fh.Open()
}

type memFile struct {
	name string
	mime string
	data []byte
}

// FromBytes wraps in-memory content with an explicit declared MIME type.
func FromBytes(name, mimeType string, data []byte) File {
	return &memFile{name: name, mime: mimeType, data: data}
}

func (m *memFile) Name() string     { return m.name }
func (m *memFile) MIMEType() string { return m.mime }
func (m *memFile) Size() int64      { return int64(len(m.data)) }

func (m *memFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.data)), nil
}
