// Package httpapi serves the upload form, the player page and the upload and
// play endpoints for owner records.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jacktea/videonote/pkg/encoder"
	"github.com/jacktea/videonote/pkg/entity"
	"github.com/jacktea/videonote/pkg/logger"
	"github.com/jacktea/videonote/pkg/metrics"
	"github.com/jacktea/videonote/pkg/playback"
	"github.com/jacktea/videonote/pkg/server/middleware"
	"github.com/jacktea/videonote/pkg/store"
	"github.com/jacktea/videonote/pkg/upload"
	"github.com/jacktea/videonote/pkg/xerrors"
)

const (
	formOverhead  = 1 << 20
	maxFormMemory = 32 << 20

	defaultSessions   = 1024
	defaultSessionTTL = 30 * time.Minute
)

// BindingLister reports which annotations are bound to an owner record.
type BindingLister interface {
	ListBound(ctx context.Context, logicalName string, owner entity.Reference) ([]string, error)
}

// Server exposes the upload pipeline over HTTP. Each owner record gets its
// own controller and playback surface, so uploads to one record never block
// another. Sessions live in a bounded, expiring cache; an upload still in
// flight when its session is evicted finishes on its own controller.
//
// When Bindings is nil, play requests are not checked against the owner in
// the path and any stored annotation can be shown on any record's surface.
type Server struct {
	Store    upload.Store
	Encoder  upload.Encoder
	Bindings BindingLister
	Log      logger.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Opts     Options

	mu       sync.Mutex
	sessions *expirable.LRU[string, *session]
}

// Options configure auth, rate limiting, upload size and the session cache.
type Options struct {
	APIKey    string
	RateLimit middleware.RateLimitOptions
	// MaxUploadBytes caps the request body; 0 allows any size.
	MaxUploadBytes int64
	Player         playback.Options
	// SessionEntries and SessionTTL bound the per-record sessions kept in
	// memory. Zero values use 1024 entries and 30 minutes.
	SessionEntries int
	SessionTTL     time.Duration
}

type session struct {
	ctrl *upload.Controller
	sink *playback.Sink
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	s.logger().Info("listening", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	if s.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /records/{type}/{id}/videos", s.handlePlayer)
	mux.HandleFunc("POST /records/{type}/{id}/videos", s.handleUpload)
	mux.HandleFunc("POST /records/{type}/{id}/videos/{annotation}/play", s.handlePlay)
	return s.applyMiddleware(mux)
}

func (s *Server) logger() logger.Logger {
	if s.Log == nil {
		return logger.Nop()
	}
	return s.Log
}

func ownerFrom(r *http.Request) (entity.Reference, error) {
	ref := entity.NewReference(r.PathValue("type"), r.PathValue("id"))
	return ref, ref.Validate()
}

// session returns the controller and surface bound to owner, creating them
// on first use.
func (s *Server) session(owner entity.Reference) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		size, ttl := s.Opts.SessionEntries, s.Opts.SessionTTL
		if size <= 0 {
			size = defaultSessions
		}
		if ttl <= 0 {
			ttl = defaultSessionTTL
		}
		s.sessions = expirable.NewLRU[string, *session](size, nil, ttl)
	}
	if sess, ok := s.sessions.Get(owner.String()); ok {
		return sess, nil
	}
	sink := playback.NewSink(s.Opts.Player)
	log := s.logger()
	ctrl, err := upload.New(upload.Config{
		Owner:   owner,
		Encoder: s.Encoder,
		Sink:    sink,
		Store:   s.Store,
		Notifier: upload.NotifierFunc(func(ctx context.Context, a upload.Alert) {
			log.Info("alert", "owner", owner.String(), "alert", a.Kind.String(), "message", a.Message)
		}),
		Log:     log,
		Metrics: s.Metrics,
	})
	if err != nil {
		return nil, err
	}
	sess := &session{ctrl: ctrl, sink: sink}
	s.sessions.Add(owner.String(), sess)
	return sess, nil
}

func (s *Server) handlePlayer(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFrom(r)
	if err != nil {
		httpError(w, err)
		return
	}
	sess, err := s.session(owner)
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := sess.sink.Render(w, r.URL.Path); err != nil {
		s.logger().Error("render player", "owner", owner.String(), "err", err)
	}
}

type uploadResponse struct {
	Alert   string `json:"alert,omitempty"`
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
	State   string `json:"state"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFrom(r)
	if err != nil {
		httpError(w, err)
		return
	}
	sess, err := s.session(owner)
	if err != nil {
		httpError(w, err)
		return
	}

	if limit, ok := s.bodyLimit(); ok {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	var file encoder.File
	switch err := r.ParseMultipartForm(maxFormMemory); {
	case err == nil:
		defer r.MultipartForm.RemoveAll()
		if fhs := r.MultipartForm.File["file"]; len(fhs) > 0 {
			file = encoder.FromMultipart(fhs[0])
		}
	case errors.Is(err, http.ErrNotMultipart):
		// Treated as a submission without a file.
	default:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpError(w, xerrors.Wrap(xerrors.KindTooLarge, "upload", owner.String(), err))
			return
		}
		httpError(w, xerrors.Wrap(xerrors.KindInvalid, "upload", owner.String(), err))
		return
	}

	out, err := sess.ctrl.Upload(r.Context(), file)
	resp := uploadResponse{State: out.State.String()}
	if out.Alert.Kind != 0 {
		resp.Alert = out.Alert.Kind.String()
		resp.Message = out.Alert.Message
	}
	if out.Attachment != nil {
		resp.ID = out.Attachment.ID
	}
	if err != nil && resp.Message == "" {
		resp.Message = err.Error()
	}
	writeJSON(w, uploadStatus(err), resp)
}

// bodyLimit is the request body cap for uploads, if any.
func (s *Server) bodyLimit() (int64, bool) {
	if s.Opts.MaxUploadBytes <= 0 {
		return 0, false
	}
	return s.Opts.MaxUploadBytes + formOverhead, true
}

func uploadStatus(err error) int {
	if err == nil {
		return http.StatusCreated
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindBusy:
		return http.StatusConflict
	case xerrors.KindInvalid:
		return http.StatusBadRequest
	case xerrors.KindUnsupportedType:
		return http.StatusUnsupportedMediaType
	case xerrors.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case xerrors.KindCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFrom(r)
	if err != nil {
		httpError(w, err)
		return
	}
	sess, err := s.session(owner)
	if err != nil {
		httpError(w, err)
		return
	}
	id := r.PathValue("annotation")
	if err := s.checkBound(r.Context(), owner, id); err != nil {
		httpError(w, err)
		return
	}
	if err := sess.ctrl.Play(r.Context(), id); err != nil {
		httpError(w, err)
		return
	}
	src, _ := sess.sink.Source()
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         id,
		"mimetype":   src.Type,
		"generation": sess.sink.Generation(),
	})
}

func (s *Server) checkBound(ctx context.Context, owner entity.Reference, id string) error {
	if s.Bindings == nil {
		return nil
	}
	ids, err := s.Bindings.ListBound(ctx, store.AnnotationLogicalName, owner)
	if err != nil {
		return err
	}
	if !slices.Contains(ids, id) {
		return xerrors.E(xerrors.KindNotFound, "play", id+" is not attached to "+owner.String())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		status = http.StatusNotFound
	case xerrors.KindInvalid:
		status = http.StatusBadRequest
	case xerrors.KindUnsupportedType:
		status = http.StatusUnsupportedMediaType
	case xerrors.KindTooLarge:
		status = http.StatusRequestEntityTooLarge
	case xerrors.KindBusy:
		status = http.StatusConflict
	case xerrors.KindCanceled:
		status = http.StatusRequestTimeout
	case xerrors.KindRemote:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	var chain []middleware.HTTPMiddleware
	if s.Log != nil {
		chain = append(chain, middleware.RequestLog(s.Log))
	}
	if auth := middleware.APIKeyAuth(s.Opts.APIKey, "/healthz"); auth != nil {
		chain = append(chain, auth)
	}
	if limit := middleware.RateLimit(s.Opts.RateLimit); limit != nil {
		chain = append(chain, limit)
	}
	if len(chain) == 0 {
		return handler
	}
	return middleware.Wrap(handler, chain...)
}
