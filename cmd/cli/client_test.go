package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/convertmaster-go/internal/domain"
)

func TestClientSubmitSendsTokenAndBody(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/jobs", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(domain.JobSummary{ID: "job-1", State: domain.StateQueued})
	}))
	defer srv.Close()

	summary, err := newAPIClient(srv.URL+"/", "secret").submit(domain.Request{
		SourceLocator: "https://youtu.be/abc",
		TargetFormat:  domain.FormatVideoWithAudio,
		TargetQuality: "720p",
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", summary.ID)
	assert.Equal(t, domain.StateQueued, summary.State)
	assert.Equal(t, "https://youtu.be/abc", got["source_locator"])
	assert.Equal(t, "video_with_audio", got["target_format"])
	assert.Equal(t, "720p", got["target_quality"])
}

func TestClientDecodesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/jobs/bad":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"unsupported locator","kind":"validation"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream down\n"))
		}
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL, "")

	_, err := c.get("bad")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "validation", apiErr.Kind)
	assert.Equal(t, "unsupported locator (validation, HTTP 400)", err.Error())

	_, err = c.stats()
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "upstream down (HTTP 502)", err.Error())
}

func TestClientListQuery(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.Write([]byte(`{"count":1,"jobs":[{"id":"a","state":"failed"}]}`))
	}))
	defer srv.Close()

	jobs, err := newAPIClient(srv.URL, "").list([]string{"failed", "cancelled"}, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.StateFailed, jobs[0].State)
	assert.Equal(t, "limit=5&state=failed%2Ccancelled", query)
}

func TestClientLogsUsesSearchEndpoint(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path+"?"+r.URL.RawQuery)
		w.Write([]byte(`{"entries":[{"timestamp":"2024-01-01T00:00:00Z","level":"info","message":"Job succeeded"}]}`))
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL, "")
	entries, err := c.logs("jobs", "", "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Job succeeded", entries[0].Message)

	_, err = c.logs("jobs", "2024-01-01", "abc", 10)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/api/v1/logs/jobs?",
		"/api/v1/logs/jobs/search?date=2024-01-01&limit=10&q=abc",
	}, paths)
}

func TestClientWatchStopsOnTerminal(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/events", r.URL.Path)
		assert.Equal(t, "job-1", r.URL.Query().Get("job_id"))

		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		conn.WriteJSON(domain.JobEvent{Type: domain.EventProgress, JobID: "job-1", PercentComplete: 40, Phase: domain.PhaseFetching})
		conn.WriteJSON(domain.JobEvent{Type: domain.EventTerminal, JobID: "job-1", State: domain.StateSucceeded, FilePath: "/out/a.mp3"})
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		conn.ReadMessage()
	}))
	defer srv.Close()

	var events []domain.JobEvent
	err := newAPIClient(srv.URL, "").watch("job-1", func(e domain.JobEvent) bool {
		events = append(events, e)
		return e.Type == domain.EventTerminal
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 40, events[0].PercentComplete)
	assert.Equal(t, "/out/a.mp3", events[1].FilePath)
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    domain.TargetFormat
		wantErr bool
	}{
		{"audio", domain.FormatAudioOnly, false},
		{"MP3", domain.FormatAudioOnly, false},
		{"audio_only", domain.FormatAudioOnly, false},
		{"video", domain.FormatVideoWithAudio, false},
		{"video_with_audio", domain.FormatVideoWithAudio, false},
		{"gif", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatEvent(t *testing.T) {
	eta := 90
	assert.Equal(t, "abcdefgh   40%  fetching  eta 1m30s",
		formatEvent(domain.JobEvent{Type: domain.EventProgress, JobID: "abcdefgh", PercentComplete: 40, Phase: domain.PhaseFetching, ETASeconds: &eta}))
	assert.Equal(t, "job  failed     [transfer_failed] HTTP 403",
		formatEvent(domain.JobEvent{Type: domain.EventTerminal, JobID: "job", State: domain.StateFailed, ErrorKind: "transfer_failed", Cause: "HTTP 403"}))
	assert.Equal(t, "abcde...  cancelled",
		formatEvent(domain.JobEvent{Type: domain.EventTerminal, JobID: "abcdefghijkl", State: domain.StateCancelled}))
}

func TestPrintJobs(t *testing.T) {
	var buf bytes.Buffer
	printJobs(&buf, []domain.JobSummary{{
		ID:            "0123456789abcdef",
		SourceLocator: "https://youtu.be/abc",
		TargetFormat:  domain.FormatAudioOnly,
		State:         domain.StateRunning,
		SubmittedAt:   time.Now(),
	}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "01234...")
	assert.Contains(t, lines[1], "audio_only")
	assert.Contains(t, lines[1], "running")
}
