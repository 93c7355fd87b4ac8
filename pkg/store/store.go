// Package store persists encoded video attachments as annotations on an
// owner record and fetches them back for playback.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/jacktea/videonote/pkg/attachment"
	"github.com/jacktea/videonote/pkg/entity"
	"github.com/jacktea/videonote/pkg/logger"
	"github.com/jacktea/videonote/pkg/metrics"
	"github.com/jacktea/videonote/pkg/xerrors"
)

// RecordService is the remote data store: record create and retrieve by
// logical collection name.
type RecordService interface {
	CreateRecord(ctx context.Context, logicalName string, record any) (string, error)
	RetrieveRecord(ctx context.Context, logicalName, id string, columns ...string) (map[string]any, error)
}

// Config configures a Store.
type Config struct {
	Records      RecordService
	Names        *entity.Pluralizer
	CacheEntries int
	CacheTTL     time.Duration
	Log          logger.Logger
	Metrics      *metrics.Metrics
}

// Store creates and fetches video annotations.
type Store struct {
	records RecordService
	names   *entity.Pluralizer
	cache   *expirable.LRU[string, Fetched]
	log     logger.Logger
	metrics *metrics.Metrics
}

// Fetched is a stored attachment ready for playback.
type Fetched struct {
	Content  string
	MIMEType string
}

// New builds a Store. CacheEntries <= 0 disables the fetch cache.
func New(cfg Config) (*Store, error) {
	if cfg.Records == nil {
		return nil, fmt.Errorf("store requires a record service")
	}
	names := cfg.Names
	if names == nil {
		names = entity.NewPluralizer(nil)
	}
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}
	s := &Store{records: cfg.Records, names: names, log: log.With("component", "store"), metrics: cfg.Metrics}
	if cfg.CacheEntries > 0 {
		s.cache = expirable.NewLRU[string, Fetched](cfg.CacheEntries, nil, cfg.CacheTTL)
	}
	return s, nil
}

// Create persists att against owner and returns the assigned id. On error
// nothing should be assumed persisted.
func (s *Store) Create(ctx context.Context, att *attachment.Encoded, owner entity.Reference) (string, error) {
	req, err := NewAnnotation(att, owner, s.names)
	if err != nil {
		return "", err
	}
	start := time.Now()
	id, err := s.records.CreateRecord(ctx, AnnotationLogicalName, req)
	s.metrics.CreateLatency(time.Since(start))
	if err != nil {
		s.log.Warn("create annotation failed", "owner", owner.String(), "file", att.FileName, "err", err)
		if xerrors.Is(err, xerrors.KindCanceled) {
			return "", err
		}
		return "", xerrors.Wrap(xerrors.KindRemote, "create", owner.String(), err)
	}
	if id == "" {
		return "", xerrors.E(xerrors.KindRemote, "create", owner.String()+": empty id")
	}
	s.log.Info("created annotation",
		"id", id, "owner", owner.String(), "file", att.FileName, "bytes", att.SizeBytes, "took", time.Since(start))
	return id, nil
}

// Fetch loads a stored attachment and returns it as a playable data URI.
func (s *Store) Fetch(ctx context.Context, id string) (string, string, error) {
	if id == "" {
		return "", "", xerrors.E(xerrors.KindInvalid, "fetch", "missing id")
	}
	if s.cache != nil {
		if f, ok := s.cache.Get(id); ok {
			s.metrics.Fetch("cache")
			return f.Content, f.MIMEType, nil
		}
	}
	rec, err := s.records.RetrieveRecord(ctx, AnnotationLogicalName, id, "documentbody", "mimetype")
	if err != nil {
		if k := xerrors.KindOf(err); k == xerrors.KindNotFound || k == xerrors.KindCanceled {
			return "", "", err
		}
		return "", "", xerrors.Wrap(xerrors.KindRemote, "fetch", id, err)
	}
	s.metrics.Fetch("remote")
	body, _ := rec["documentbody"].(string)
	mime, _ := rec["mimetype"].(string)
	if body == "" {
		return "", "", xerrors.E(xerrors.KindNotFound, "fetch", id+": no document body")
	}
	if mime == "" {
		mime = attachment.MP4
	}
	// The descriptor is always rebuilt from the mimetype column.
	content := attachment.DataURI(mime, attachment.StripDescriptor(body))
	if s.cache != nil {
		s.cache.Add(id, Fetched{Content: content, MIMEType: mime})
	}
	return content, mime, nil
}
