package upload

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// AlertKind is one of the four user-visible outcomes.
type AlertKind int

const (
	AlertNoFile AlertKind = iota + 1
	AlertWrongType
	AlertUploaded
	AlertUploadFailed
)

func (k AlertKind) String() string {
	switch k {
	case AlertNoFile:
		return "no_file"
	case AlertWrongType:
		return "wrong_type"
	case AlertUploaded:
		return "uploaded"
	case AlertUploadFailed:
		return "upload_failed"
	default:
		return "unknown"
	}
}

// Message is the text shown to the user for k.
func (k AlertKind) Message() string {
	switch k {
	case AlertNoFile:
		return "Please select the video file!"
	case AlertWrongType:
		return "Please attach only mp4 file!"
	case AlertUploaded:
		return "Uploaded video successfully!!"
	case AlertUploadFailed:
		return "Unable to upload video!!"
	default:
		return ""
	}
}

// Alert is a blocking acknowledgment shown to the user.
type Alert struct {
	Kind    AlertKind
	Message string
}

func newAlert(k AlertKind) Alert {
	return Alert{Kind: k, Message: k.Message()}
}

// Notifier surfaces alerts to the user.
type Notifier interface {
	Alert(ctx context.Context, a Alert)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, a Alert)

// Alert implements Notifier.
func (f NotifierFunc) Alert(ctx context.Context, a Alert) { f(ctx, a) }

// WriterNotifier prints one line per alert.
type WriterNotifier struct {
	mu sync.Mutex
	W  io.Writer
}

// Alert implements Notifier.
func (w *WriterNotifier) Alert(_ context.Context, a Alert) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.W, a.Message)
}

// Recorder keeps every alert, for tests and request-scoped responses.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

// Alert implements Notifier.
func (r *Recorder) Alert(_ context.Context, a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}
