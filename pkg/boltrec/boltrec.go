// Package boltrec is a local record service backed by BoltDB. It accepts the
// same create/retrieve calls as the remote Web API so uploads can be tried
// without an organisation.
package boltrec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/videonote/pkg/entity"
	"github.com/jacktea/videonote/pkg/xerrors"
)

var (
	bucketRecords  = []byte("records")
	bucketBindings = []byte("bindings")
)

const bindSuffix = "@odata.bind"

var bindValuePattern = regexp.MustCompile(`^/[A-Za-z_][A-Za-z0-9_]*\([^()]+\)$`)

// Config configures the BoltDB-backed record service.
type Config struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
	Names   *entity.Pluralizer
	// NewID overrides id generation, mainly for tests.
	NewID func() string
}

// Store persists records as JSON documents keyed by collection and id.
type Store struct {
	cfg   Config
	db    *bolt.DB
	names *entity.Pluralizer
	newID func() string
}

// Open initialises a Bolt-backed record service.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltrec: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("boltrec: open: %w", err)
	}
	s := &Store{cfg: cfg, db: db, names: cfg.Names, newID: cfg.NewID}
	if s.names == nil {
		s.names = entity.NewPluralizer(nil)
	}
	if s.newID == nil {
		s.newID = func() string { return uuid.NewString() }
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketBindings} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("boltrec: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// CreateRecord stores record under the collection for logicalName. Relation
// binding fields must address a record as "/<collection>(<id>)".
func (s *Store) CreateRecord(ctx context.Context, logicalName string, record any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", xerrors.Wrap(xerrors.KindCanceled, "create", logicalName, err)
	}
	fields, err := toFields(record)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindInvalid, "create", logicalName, err)
	}
	var binds []string
	for k, v := range fields {
		if !strings.HasSuffix(k, bindSuffix) {
			continue
		}
		value, _ := v.(string)
		if !bindValuePattern.MatchString(value) {
			return "", xerrors.E(xerrors.KindInvalid, "create", fmt.Sprintf("%s: bad binding %s=%q", logicalName, k, value))
		}
		binds = append(binds, value)
	}
	id := s.newID()
	fields[logicalName+"id"] = id
	fields["createdon"] = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(fields)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindInternal, "create", logicalName, err)
	}
	set := s.names.Collection(logicalName)
	err = s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.Bucket(bucketRecords).CreateBucketIfNotExists([]byte(set))
		if err != nil {
			return err
		}
		if err := bkt.Put([]byte(id), data); err != nil {
			return err
		}
		for _, b := range binds {
			if err := tx.Bucket(bucketBindings).Put(bindingKey(b, set, id), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindInternal, "create", set, err)
	}
	return id, nil
}

// RetrieveRecord returns the requested columns of one record, or every
// column when none are named.
func (s *Store) RetrieveRecord(ctx context.Context, logicalName, id string, columns ...string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.KindCanceled, "retrieve", logicalName, err)
	}
	set := s.names.Collection(logicalName)
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketRecords).Bucket([]byte(set))
		if bkt == nil {
			return nil
		}
		if v := bkt.Get([]byte(id)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "retrieve", set, err)
	}
	if data == nil {
		return nil, xerrors.E(xerrors.KindNotFound, "retrieve", set+"("+id+")")
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "retrieve", set, err)
	}
	if len(columns) == 0 {
		return rec, nil
	}
	out := make(map[string]any, len(columns))
	for _, c := range columns {
		if v, ok := rec[c]; ok {
			out[c] = v
		}
	}
	return out, nil
}

// ListBound returns the ids of logicalName records bound to owner, sorted.
func (s *Store) ListBound(ctx context.Context, logicalName string, owner entity.Reference) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.KindCanceled, "list", logicalName, err)
	}
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	set := s.names.Collection(logicalName)
	prefix := bindingKey(s.names.Bind(owner), set, "")
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBindings).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, string(k[len(prefix):]))
		}
		return nil
	})
	sort.Strings(ids)
	return ids, err
}

// Close releases the underlying BoltDB.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func bindingKey(bind, set, id string) []byte {
	return []byte(bind + "\x00" + set + "\x00" + id)
}

func toFields(record any) (map[string]any, error) {
	if record == nil {
		return nil, fmt.Errorf("nil record")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, fmt.Errorf("record is not an object")
	}
	return fields, nil
}
