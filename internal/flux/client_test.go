package flux

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raine/roomedit/internal/edit"
)

func TestSubmit(t *testing.T) {
	var req *http.Request
	var body []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req = r
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"job-1","polling_url":"https://api.bfl.ai/v1/get_result?id=job-1"}`))
	}))
	defer ts.Close()

	client := NewClient(ClientOpts{BaseURL: ts.URL, APIKey: "secret"})
	id, err := client.Submit(context.Background(), "make the walls blue", "https://example.com/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/v1/flux-2-pro", req.URL.Path)
	assert.Equal(t, "secret", req.Header.Get("x-key"))

	var sent map[string]any
	require.NoError(t, json.Unmarshal(body, &sent))
	assert.Equal(t, map[string]any{
		"prompt":        "make the walls blue",
		"input_image":   "https://example.com/a.jpg",
		"seed":          float64(42),
		"output_format": "jpeg",
	}, sent)
}

func TestSubmit_CustomModel(t *testing.T) {
	var path string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"job-2"}`))
	}))
	defer ts.Close()

	client := NewClient(ClientOpts{BaseURL: ts.URL, Model: "flux-kontext-pro"})
	_, err := client.Submit(context.Background(), "x", "img")
	require.NoError(t, err)
	assert.Equal(t, "/v1/flux-kontext-pro", path)
}

func TestSubmit_ErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer ts.Close()

	_, err := NewClient(ClientOpts{BaseURL: ts.URL}).Submit(context.Background(), "x", "img")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status: 402")
}

func TestSubmit_MissingID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := NewClient(ClientOpts{BaseURL: ts.URL}).Submit(context.Background(), "x", "img")
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	cases := []struct {
		body string
		want edit.JobStatus
	}{
		{`{"id":"job-1","status":"Pending"}`, edit.JobStatus{State: edit.JobPending}},
		{`{"id":"job-1","status":"Task not found"}`, edit.JobStatus{State: edit.JobPending}},
		{`{"id":"job-1","status":"Ready","result":{"sample":"data:image/jpeg;base64,Zm9v"}}`, edit.JobStatus{State: edit.JobReady, Payload: "data:image/jpeg;base64,Zm9v"}},
		{`{"id":"job-1","status":"Ready"}`, edit.JobStatus{State: edit.JobReady}},
		{`{"id":"job-1","status":"Content Moderated"}`, edit.JobStatus{State: edit.JobFailed, Reason: "Content Moderated"}},
		{`{"id":"job-1","status":"Error"}`, edit.JobStatus{State: edit.JobFailed, Reason: "Error"}},
		{`{"id":"job-1","status":"Failed"}`, edit.JobStatus{State: edit.JobFailed, Reason: "Failed"}},
	}

	for _, tc := range cases {
		var req *http.Request
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req = r
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(tc.body))
		}))

		status, err := NewClient(ClientOpts{BaseURL: ts.URL, APIKey: "secret"}).Status(context.Background(), "job-1")
		ts.Close()

		require.NoError(t, err, tc.body)
		assert.Equal(t, tc.want, status, tc.body)
		assert.Equal(t, "/v1/get_result", req.URL.Path)
		assert.Equal(t, "job-1", req.URL.Query().Get("id"))
		assert.Equal(t, "secret", req.Header.Get("x-key"))
	}
}

func TestStatus_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := NewClient(ClientOpts{BaseURL: ts.URL}).Status(context.Background(), "job-1")
	assert.Error(t, err)
}

func TestStatus_UndecodableBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`<html>gateway</html>`))
	}))
	defer ts.Close()

	_, err := NewClient(ClientOpts{BaseURL: ts.URL}).Status(context.Background(), "job-1")
	assert.Error(t, err)
}

func TestStatus_RequestTimeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer ts.Close()
	defer close(release)

	client := NewClient(ClientOpts{BaseURL: ts.URL, Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := client.Status(context.Background(), "job-1")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
