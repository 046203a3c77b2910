package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/igoryan-dao/pitstop/internal/orchestrator"
	"github.com/igoryan-dao/pitstop/internal/session"
)

// Client talks to a pitstop server's HTTP API.
type Client struct {
	base string
	http *http.Client
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// NewClient returns a client for the server at addr ("127.0.0.1:8642" or a
// full URL).
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e errorResponse
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		// Reply results carry their status in the body even on 4xx.
		if out != nil && len(raw) > 0 {
			_ = json.Unmarshal(raw, out)
		}
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*session.Session, error) {
	var s session.Session
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) Get(ctx context.Context, id string) (*session.Session, error) {
	var s session.Session
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) Logs(ctx context.Context, id string) ([]session.LogEntry, error) {
	var logs []session.LogEntry
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id)+"/logs", nil, &logs)
	return logs, err
}

func (c *Client) List(ctx context.Context, owner string) ([]*session.Session, error) {
	var list []*session.Session
	err := c.do(ctx, http.MethodGet, "/v1/owners/"+url.PathEscape(owner)+"/sessions", nil, &list)
	return list, err
}

func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// Reply answers session id. The response is filled even when err is a
// *StatusError.
func (c *Client) Reply(ctx context.Context, id string, req ReplyRequest) (ReplyResponse, error) {
	var resp ReplyResponse
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/reply", req, &resp)
	return resp, err
}

func (c *Client) Health(ctx context.Context) (orchestrator.Stats, error) {
	var st orchestrator.Stats
	err := c.do(ctx, http.MethodGet, "/v1/healthz", nil, &st)
	return st, err
}
