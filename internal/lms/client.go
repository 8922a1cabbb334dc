package lms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/edusuite/coursescan/internal/config"
	"github.com/edusuite/coursescan/internal/resilience"
)

// maxBodyBytes caps how much of an LMS response we read into memory.
const maxBodyBytes = 8 << 20

// Client is the HTTP implementation of ContentClient. All requests run
// through the resilience loop.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	loop    *resilience.Loop
	logger  *slog.Logger
}

// NewClient creates an LMS API client.
func NewClient(cfg config.LMSConfig, loop *resilience.Loop, logger *slog.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		httpc:   &http.Client{Timeout: cfg.RequestTimeout},
		loop:    loop,
		logger:  logger.With("component", "lms_client"),
	}
}

// do runs one API request through the resilience loop. The request is
// rebuilt on every attempt so retries never reuse a consumed body.
func (c *Client) do(ctx context.Context, principal, endpointClass, method, path string, query url.Values, payload any) ([]byte, error) {
	var encoded []byte
	if payload != nil {
		var err error
		encoded, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request payload: %w", err)
		}
	}

	full := c.baseURL + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}

	resp, cerr := c.loop.Do(ctx, principal, endpointClass, 0, func(ctx context.Context) (*resilience.Response, error) {
		var body io.Reader
		if encoded != nil {
			body = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, full, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		httpResp, err := c.httpc.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = httpResp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		return &resilience.Response{
			StatusCode: httpResp.StatusCode,
			Header:     httpResp.Header,
			Body:       data,
		}, nil
	})
	if cerr != nil {
		return nil, cerr
	}
	return resp.Body, nil
}

// ListContent returns one page of items of the given type.
func (c *Client) ListContent(ctx context.Context, principal, courseID string, ct ContentType, page, perPage int) ([]Item, error) {
	if !ct.Valid() {
		return nil, fmt.Errorf("unsupported content type %q", ct)
	}
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 50
	}

	// The syllabus is a single document on the course itself, not a
	// paginated collection.
	if ct == ContentSyllabus {
		if page > 1 {
			return nil, nil
		}
		item, err := c.getSyllabus(ctx, principal, courseID)
		if err != nil {
			return nil, err
		}
		return []Item{item}, nil
	}

	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(perPage))
	if ct == ContentAnnouncements {
		query.Set("only_announcements", "true")
	}

	data, err := c.do(ctx, principal, string(ct), http.MethodGet, c.collectionPath(courseID, ct), query, nil)
	if err != nil {
		return nil, err
	}

	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode %s listing: %w", ct, err)
	}

	items := make([]Item, 0, len(raw))
	for _, m := range raw {
		items = append(items, itemFromMap(ct, m))
	}
	return items, nil
}

// GetBody returns the item with its full body populated.
func (c *Client) GetBody(ctx context.Context, principal, courseID string, ct ContentType, id string) (Item, error) {
	if !ct.Valid() {
		return Item{}, fmt.Errorf("unsupported content type %q", ct)
	}
	if ct == ContentSyllabus {
		return c.getSyllabus(ctx, principal, courseID)
	}

	data, err := c.do(ctx, principal, string(ct), http.MethodGet, c.itemPath(courseID, ct, id), nil, nil)
	if err != nil {
		return Item{}, err
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Item{}, fmt.Errorf("failed to decode %s %s: %w", ct, id, err)
	}
	return itemFromMap(ct, m), nil
}

// UpdateBody replaces the item's body.
func (c *Client) UpdateBody(ctx context.Context, principal, courseID string, ct ContentType, id, body string) error {
	if !ct.Valid() {
		return fmt.Errorf("unsupported content type %q", ct)
	}
	if !ct.Editable() {
		return fmt.Errorf("content type %q is read-only", ct)
	}

	var path string
	var payload any
	switch ct {
	case ContentSyllabus:
		path = "/courses/" + courseID
		payload = map[string]any{"course": map[string]any{"syllabus_body": body}}
	case ContentPages:
		path = c.itemPath(courseID, ct, id)
		payload = map[string]any{"wiki_page": map[string]any{"body": body}}
	case ContentAssignments:
		path = c.itemPath(courseID, ct, id)
		payload = map[string]any{"assignment": map[string]any{"description": body}}
	case ContentQuizzes:
		path = c.itemPath(courseID, ct, id)
		payload = map[string]any{"quiz": map[string]any{"description": body}}
	case ContentDiscussions, ContentAnnouncements:
		path = c.itemPath(courseID, ct, id)
		payload = map[string]any{"message": body}
	}

	_, err := c.do(ctx, principal, string(ct), http.MethodPut, path, nil, payload)
	if err != nil {
		return err
	}

	c.logger.Debug("content body updated",
		"course_id", courseID,
		"content_type", ct,
		"content_id", id)
	return nil
}

func (c *Client) getSyllabus(ctx context.Context, principal, courseID string) (Item, error) {
	query := url.Values{}
	query.Add("include[]", "syllabus_body")

	data, err := c.do(ctx, principal, string(ContentSyllabus), http.MethodGet, "/courses/"+courseID, query, nil)
	if err != nil {
		return Item{}, err
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Item{}, fmt.Errorf("failed to decode course %s: %w", courseID, err)
	}
	return Item{
		Type:  ContentSyllabus,
		ID:    "syllabus",
		Title: "Syllabus",
		Body:  str(m, "syllabus_body"),
	}, nil
}

func (c *Client) collectionPath(courseID string, ct ContentType) string {
	base := "/courses/" + courseID
	switch ct {
	case ContentPages:
		return base + "/pages"
	case ContentAssignments:
		return base + "/assignments"
	case ContentQuizzes:
		return base + "/quizzes"
	case ContentDiscussions, ContentAnnouncements:
		return base + "/discussion_topics"
	case ContentModules:
		return base + "/modules"
	}
	return base
}

func (c *Client) itemPath(courseID string, ct ContentType, id string) string {
	return c.collectionPath(courseID, ct) + "/" + url.PathEscape(id)
}

// itemFromMap extracts the fields the scanner cares about. Each content
// type keeps its identifiers and body under different keys.
func itemFromMap(ct ContentType, m map[string]any) Item {
	item := Item{Type: ct}

	switch ct {
	case ContentPages:
		// Pages are addressed by their URL slug, not a numeric id.
		item.ID = str(m, "url")
		item.Title = str(m, "title")
		item.Body = str(m, "body")
	case ContentAssignments:
		item.ID = idStr(m)
		item.Title = str(m, "name")
		item.Body = str(m, "description")
	case ContentQuizzes:
		item.ID = idStr(m)
		item.Title = str(m, "title")
		item.Body = str(m, "description")
	case ContentDiscussions, ContentAnnouncements:
		item.ID = idStr(m)
		item.Title = str(m, "title")
		item.Body = str(m, "message")
	case ContentModules:
		item.ID = idStr(m)
		item.Title = str(m, "name")
	}

	item.URL = str(m, "html_url")
	if at := str(m, "updated_at"); at != "" {
		if ts, err := time.Parse(time.RFC3339, at); err == nil {
			item.UpdatedAt = ts
		}
	}
	return item
}

func str(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// idStr renders numeric or string ids uniformly.
func idStr(m map[string]any) string {
	switch v := m["id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	}
	return ""
}
