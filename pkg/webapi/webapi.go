// Package webapi talks to a Dataverse-style OData Web API: record create
// and retrieve by logical collection name.
package webapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/jacktea/videonote/pkg/entity"
	"github.com/jacktea/videonote/pkg/logger"
	"github.com/jacktea/videonote/pkg/xerrors"
)

// DefaultVersion is the Web API version segment used when none is set.
const DefaultVersion = "9.2"

// Signer authorizes outgoing requests.
type Signer interface {
	Sign(req *http.Request) error
}

// Config describes the remote organisation endpoint.
type Config struct {
	URL     string
	Version string
	Client  *http.Client
	Timeout time.Duration
	Names   *entity.Pluralizer
	Signer  Signer
	Log     logger.Logger
}

// Client implements record create/retrieve over HTTP.
type Client struct {
	http  *resty.Client
	names *entity.Pluralizer
	log   logger.Logger
}

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webapi requires a url")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("webapi url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webapi url must be http or https, got %q", u.Scheme)
	}
	version := strings.TrimPrefix(cfg.Version, "v")
	if version == "" {
		version = DefaultVersion
	}
	base := strings.TrimSuffix(cfg.URL, "/") + "/api/data/v" + version
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	rc := resty.NewWithClient(client).
		SetBaseURL(base).
		SetHeader("Accept", "application/json").
		SetHeader("OData-MaxVersion", "4.0").
		SetHeader("OData-Version", "4.0")
	if cfg.Timeout > 0 {
		rc.SetTimeout(cfg.Timeout)
	}
	if cfg.Signer != nil {
		signer := cfg.Signer
		rc.SetPreRequestHook(func(_ *resty.Client, req *http.Request) error {
			return signer.Sign(req)
		})
	}
	names := cfg.Names
	if names == nil {
		names = entity.NewPluralizer(nil)
	}
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Client{http: rc, names: names, log: log.With("component", "webapi")}, nil
}

// CreateRecord posts record to the collection for logicalName and returns
// the new record id.
func (c *Client) CreateRecord(ctx context.Context, logicalName string, record any) (string, error) {
	set := c.names.Collection(logicalName)
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json; charset=utf-8").
		SetBody(record).
		Post("/" + set)
	if err != nil {
		return "", xerrors.Wrap(transportKind(err), "create", set, err)
	}
	if resp.IsError() {
		return "", statusError("create", set, resp)
	}
	if id := idFromEntityURL(resp.Header().Get("OData-EntityId")); id != "" {
		return id, nil
	}
	if id := idFromEntityURL(resp.Header().Get("Location")); id != "" {
		return id, nil
	}
	var body map[string]any
	if len(resp.Body()) > 0 && json.Unmarshal(resp.Body(), &body) == nil {
		if id, ok := body[logicalName+"id"].(string); ok && id != "" {
			return id, nil
		}
	}
	return "", xerrors.E(xerrors.KindRemote, "create", set+": response carried no record id")
}

// RetrieveRecord fetches the selected columns of one record.
func (c *Client) RetrieveRecord(ctx context.Context, logicalName, id string, columns ...string) (map[string]any, error) {
	set := c.names.Collection(logicalName)
	req := c.http.R().SetContext(ctx)
	if len(columns) > 0 {
		req.SetQueryParam("$select", strings.Join(columns, ","))
	}
	resp, err := req.Get("/" + set + "(" + url.PathEscape(id) + ")")
	if err != nil {
		return nil, xerrors.Wrap(transportKind(err), "retrieve", set, err)
	}
	if resp.IsError() {
		return nil, statusError("retrieve", set+"("+id+")", resp)
	}
	var out map[string]any
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, xerrors.Wrap(xerrors.KindRemote, "retrieve", set, err)
	}
	c.log.Debug("retrieved record", "set", set, "id", id)
	return out, nil
}

var entityIDPattern = regexp.MustCompile(`\(([^()]+)\)\s*$`)

func idFromEntityURL(s string) string {
	m := entityIDPattern.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return strings.Trim(m[1], "'")
}

type odataError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func statusError(op, ref string, resp *resty.Response) error {
	msg := resp.Status()
	var oe odataError
	if json.Unmarshal(resp.Body(), &oe) == nil && oe.Error.Message != "" {
		msg = fmt.Sprintf("%s: %s", resp.Status(), oe.Error.Message)
	} else if body := strings.TrimSpace(string(resp.Body())); body != "" {
		if len(body) > 512 {
			body = body[:512]
		}
		msg = resp.Status() + ": " + body
	}
	kind := xerrors.KindRemote
	if resp.StatusCode() == http.StatusNotFound {
		kind = xerrors.KindNotFound
	}
	return xerrors.Wrap(kind, op, ref, fmt.Errorf("%s", msg))
}

func transportKind(err error) xerrors.Kind {
	if k := xerrors.KindOf(err); k == xerrors.KindCanceled {
		return k
	}
	return xerrors.KindRemote
}
