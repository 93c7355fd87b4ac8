// Package playback owns the single playback surface a preview is shown on.
package playback

import (
	"html/template"
	"io"
	"sync"
)

// Source is the media source currently attached to the surface.
type Source struct {
	Src  string
	Type string
}

// Sink holds at most one active source. Every Show replaces the previous
// source and bumps the reload generation.
type Sink struct {
	mu         sync.RWMutex
	source     *Source
	generation uint64
	width      int
	height     int
}

// Options set the rendered surface dimensions.
type Options struct {
	Width  int
	Height int
}

// NewSink returns an empty surface.
func NewSink(opts Options) *Sink {
	if opts.Width <= 0 {
		opts.Width = 500
	}
	if opts.Height <= 0 {
		opts.Height = 300
	}
	return &Sink{width: opts.Width, height: opts.Height}
}

// Show points the surface at encodedText and forces a reload. A malformed
// payload is accepted as-is and simply fails to play.
func (s *Sink) Show(encodedText, mimeType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = &Source{Src: encodedText, Type: mimeType}
	s.generation++
}

// Source returns the active source, if any.
func (s *Sink) Source() (Source, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.source == nil {
		return Source{}, false
	}
	return *s.source, true
}

// Generation counts reloads since creation.
func (s *Sink) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Clear detaches the active source.
func (s *Sink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source != nil {
		s.source = nil
		s.generation++
	}
}

type pageData struct {
	Width      int
	Height     int
	Generation uint64
	HasSource  bool
	Src        template.URL
	Type       string
	UploadPath string
}

// Render writes the player page. uploadPath is the form action for new
// uploads; empty hides the form.
func (s *Sink) Render(w io.Writer, uploadPath string) error {
	s.mu.RLock()
	data := pageData{
		Width:      s.width,
		Height:     s.height,
		Generation: s.generation,
		UploadPath: uploadPath,
	}
	if s.source != nil {
		data.HasSource = true
		// Sources come from the encoder or are rebuilt by the store from a
		// stored payload and its mimetype column.
		data.Src = template.URL(s.source.Src)
		data.Type = s.source.Type
	}
	s.mu.RUnlock()
	return playerPage.Execute(w, data)
}

var playerPage = template.Must(template.New("player").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="utf-8">
    <title>Video attachment</title>
</head>
<body>
{{- if .UploadPath}}
    <form method="post" action="{{.UploadPath}}" enctype="multipart/form-data">
        <input type="file" name="file" accept="video/*">
        <button type="submit">Upload Video</button>
    </form>
    <hr>
{{- end}}
    <video id="player" data-generation="{{.Generation}}" width="{{.Width}}" height="{{.Height}}" controls>
{{- if .HasSource}}
        <source src="{{.Src}}" type="{{.Type}}">
{{- end}}
    </video>
</body>
</html>
`))
