package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yourusername/convertmaster-go/internal/domain"
)

// apiClient talks to the server's HTTP API
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
}

// apiError is a non-2xx response from the server
type apiError struct {
	Status  int
	Message string
	Kind    string
}

func (e *apiError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Kind, e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// do sends a JSON request and decodes the JSON response into out (if non-nil)
func (c *apiClient) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach server at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(data, &body) != nil || body.Error == "" {
			body.Error = strings.TrimSpace(string(data))
		}
		return &apiError{Status: resp.StatusCode, Message: body.Error, Kind: body.Kind}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *apiClient) submit(req domain.Request) (domain.JobSummary, error) {
	var summary domain.JobSummary
	err := c.do(http.MethodPost, "/api/v1/jobs", map[string]string{
		"source_locator":   req.SourceLocator,
		"target_format":    string(req.TargetFormat),
		"target_quality":   req.TargetQuality,
		"output_directory": req.OutputDirectory,
	}, &summary)
	return summary, err
}

func (c *apiClient) get(id string) (domain.JobSummary, error) {
	var summary domain.JobSummary
	err := c.do(http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, &summary)
	return summary, err
}

func (c *apiClient) list(states []string, limit int) ([]domain.JobSummary, error) {
	q := url.Values{}
	if len(states) > 0 {
		q.Set("state", strings.Join(states, ","))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/api/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Jobs []domain.JobSummary `json:"jobs"`
	}
	err := c.do(http.MethodGet, path, nil, &resp)
	return resp.Jobs, err
}

func (c *apiClient) stats() (domain.JobStats, error) {
	var stats domain.JobStats
	err := c.do(http.MethodGet, "/api/v1/jobs/stats", nil, &stats)
	return stats, err
}

func (c *apiClient) cancel(id string) error {
	return c.do(http.MethodPost, "/api/v1/jobs/"+url.PathEscape(id)+"/cancel", nil, nil)
}

func (c *apiClient) retry(id string) (domain.JobSummary, error) {
	var summary domain.JobSummary
	err := c.do(http.MethodPost, "/api/v1/jobs/"+url.PathEscape(id)+"/retry", nil, &summary)
	return summary, err
}

func (c *apiClient) renditions(locator string) ([]string, error) {
	var resp struct {
		Qualities []string `json:"qualities"`
	}
	err := c.do(http.MethodGet, "/api/v1/renditions?locator="+url.QueryEscape(locator), nil, &resp)
	return resp.Qualities, err
}

// logEntry mirrors the server's log entry JSON
type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (c *apiClient) logs(category, date, query string, limit int) ([]logEntry, error) {
	q := url.Values{}
	if date != "" {
		q.Set("date", date)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/api/v1/logs/" + url.PathEscape(category)
	if query != "" {
		path += "/search"
		q.Set("q", query)
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Entries []logEntry `json:"entries"`
	}
	err := c.do(http.MethodGet, path, nil, &resp)
	return resp.Entries, err
}

// watch streams job events until handle returns true or the connection closes
func (c *apiClient) watch(jobID string, handle func(domain.JobEvent) bool) error {
	u, err := url.Parse(c.baseURL + "/api/v1/events")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if jobID != "" {
		u.RawQuery = url.Values{"job_id": {jobID}}.Encode()
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		if resp != nil {
			return &apiError{Status: resp.StatusCode, Message: "event stream refused"}
		}
		return fmt.Errorf("cannot open event stream: %w", err)
	}
	defer conn.Close()

	for {
		var event domain.JobEvent
		if err := conn.ReadJSON(&event); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if handle(event) {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
	}
}
