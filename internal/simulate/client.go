package simulate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/internal/domain/types"
)

// Header names understood by the API.
const (
	roleHeader        = "X-Role"
	idempotencyHeader = "Idempotency-Key"
)

// eventsPageSize is the limit used when reading a whole log.
const eventsPageSize = 500

// APIError is a non-2xx API response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
}

// Client talks to the match API as a scorer.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// Health checks that the service and its store are up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, "", nil)
}

// Register creates a match.
func (c *Client) Register(ctx context.Context, req types.RegisterRequest) (model.Match, error) {
	var view types.MatchView
	if err := c.do(ctx, http.MethodPost, "/matches", req, "", &view); err != nil {
		return model.Match{}, err
	}
	return view.Match, nil
}

// Submit sends one command. The command id doubles as the idempotency key.
func (c *Client) Submit(ctx context.Context, matchID string, cmd model.Command) (types.CommandResponse, error) {
	var resp types.CommandResponse
	path := "/matches/" + url.PathEscape(matchID) + "/commands"
	if err := c.do(ctx, http.MethodPost, path, cmd, cmd.CommandID, &resp); err != nil {
		return types.CommandResponse{}, err
	}
	return resp, nil
}

// Match returns the match and its current state.
func (c *Client) Match(ctx context.Context, matchID string) (types.MatchView, error) {
	var view types.MatchView
	if err := c.do(ctx, http.MethodGet, "/matches/"+url.PathEscape(matchID), nil, "", &view); err != nil {
		return types.MatchView{}, err
	}
	return view, nil
}

// Events returns up to limit records after the given seq.
func (c *Client) Events(ctx context.Context, matchID string, after uint64, limit int) (types.EventsPage, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatUint(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page types.EventsPage
	path := "/matches/" + url.PathEscape(matchID) + "/events?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, "", &page); err != nil {
		return types.EventsPage{}, err
	}
	return page, nil
}

// AllEvents pages through the whole log of a match.
func (c *Client) AllEvents(ctx context.Context, matchID string) ([]model.Record, error) {
	var (
		out   []model.Record
		after uint64
	)
	for {
		page, err := c.Events(ctx, matchID, after, eventsPageSize)
		if err != nil {
			return nil, err
		}
		if len(page.Events) == 0 {
			return out, nil
		}
		out = append(out, page.Events...)
		after = page.LastSeq
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, idempotencyKey string, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(roleHeader, string(model.RoleScorer))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(idempotencyHeader, idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var er types.ErrorResponse
		if json.Unmarshal(data, &er) == nil {
			apiErr.Code, apiErr.Message = er.Code, er.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
