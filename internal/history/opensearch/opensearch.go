// Package opensearch indexes lifecycle events as flat documents, one index
// per day when Daily is set, so dashboards can filter on server and run.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/craftvisor/internal/history"
)

const DefaultIndex = "craftvisor-history"

type Options struct {
	BaseURL  string // scheme://host:port
	Index    string // default DefaultIndex
	Daily    bool   // append -YYYY.MM.DD of the event time
	Username string
	Password string
	Timeout  time.Duration
}

type Sink struct {
	opts   Options
	client *http.Client
}

func New(opts Options) (*Sink, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("opensearch base url is required")
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Index == "" {
		opts.Index = DefaultIndex
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Sink{opts: opts, client: &http.Client{Timeout: opts.Timeout}}, nil
}

// document is the indexed shape: flat fields with an @timestamp, which is
// what OpenSearch Dashboards picks as time field by default.
type document struct {
	Timestamp time.Time `json:"@timestamp"`
	Event     string    `json:"event"`
	Server    string    `json:"server"`
	RunID     string    `json:"run_id,omitempty"`
	PID       int       `json:"pid,omitempty"`
	State     string    `json:"state"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Restarts  int       `json:"restarts"`
	Message   string    `json:"message,omitempty"`
}

// IndexFor returns the index an event at t is written to.
func (s *Sink) IndexFor(t time.Time) string {
	if !s.opts.Daily {
		return s.opts.Index
	}
	return s.opts.Index + "-" + t.UTC().Format("2006.01.02")
}

// docID is stable for one event, so a resend overwrites instead of
// duplicating.
func docID(e history.Event) string {
	run := e.Record.RunID
	if run == "" {
		run = e.Record.Name
	}
	return run + "-" + string(e.Type) + "-" + strconv.FormatInt(e.OccurredAt.UnixNano(), 36)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(document{
		Timestamp: e.OccurredAt,
		Event:     string(e.Type),
		Server:    e.Record.Name,
		RunID:     e.Record.RunID,
		PID:       e.Record.PID,
		State:     e.Record.State,
		ExitCode:  e.Record.ExitCode,
		Restarts:  e.Record.Restarts,
		Message:   e.Record.Message,
	})
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc/%s", s.opts.BaseURL, url.PathEscape(s.IndexFor(e.OccurredAt)), url.PathEscape(docID(e)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Username != "" {
		req.SetBasicAuth(s.opts.Username, s.opts.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch index %s: status %d: %s", s.IndexFor(e.OccurredAt), resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
