package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seen struct {
	method, uri, body, redirect string
}

type recorder struct {
	mu   sync.Mutex
	reqs []seen
}

func (r *recorder) all() []seen {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]seen(nil), r.reqs...)
}

func fakeNode(t *testing.T, status int, reply string) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.reqs = append(rec.reqs, seen{r.Method, r.URL.RequestURI(), string(b), r.Header.Get("X-Leader-Redirect")})
		rec.mu.Unlock()
		if status == http.StatusConflict {
			w.Header().Set("X-Leader", "n2")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPut_BuildsContentPutTask(t *testing.T) {
	srv, reqs := fakeNode(t, http.StatusOK, `{"taskId":"x","kind":"content.put"}`)

	out, err := run(t, "--url", srv.URL, "--follow-leader", "put", "svc/a", `{"n":1}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"taskId":"x"`)

	got := reqs.all()
	require.Len(t, got, 1)
	r := got[0]
	assert.Equal(t, "POST", r.method)
	assert.Equal(t, "/v1/tasks/content.put", r.uri)
	assert.Equal(t, "1", r.redirect)
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(r.body), &body))
	assert.JSONEq(t, `"svc/a"`, string(body["key"]))
	assert.JSONEq(t, `{"n":1}`, string(body["value"]))
}

func TestSubmit_AsyncAndValidation(t *testing.T) {
	srv, reqs := fakeNode(t, http.StatusAccepted, `{"taskId":"y"}`)

	_, err := run(t, "--url", srv.URL, "submit", "noop.ack", "--async")
	require.NoError(t, err)
	got := reqs.all()
	require.Len(t, got, 1)
	assert.Equal(t, "/v1/tasks/noop.ack?async=1", got[0].uri)
	assert.Empty(t, got[0].body)

	_, err = run(t, "--url", srv.URL, "submit", "content.put", "{broken")
	require.Error(t, err)
	assert.Len(t, reqs.all(), 1)
}

func TestErrorBodyIsReported(t *testing.T) {
	srv, _ := fakeNode(t, http.StatusGatewayTimeout,
		`{"code":"PUBLICATION_TIMEOUT","message":"publication timed out","retryable":true}`)

	_, err := run(t, "--url", srv.URL, "record-error", "--source", "ingest", "--message", "disk full")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PUBLICATION_TIMEOUT")
	assert.Contains(t, err.Error(), "[retryable]")
}

func TestNotLeaderHint(t *testing.T) {
	srv, _ := fakeNode(t, http.StatusConflict, `{"code":"NOT_LEADER","message":"this node is not the leader"}`)

	_, err := run(t, "--url", srv.URL, "delete", "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader: n2")
}

func TestReadCommands(t *testing.T) {
	srv, reqs := fakeNode(t, http.StatusOK, `{"term":1,"version":3}`)

	out, err := run(t, "--url", srv.URL, "--out", "json", "state", "--prefix", "svc/")
	require.NoError(t, err)
	assert.Contains(t, out, "\"version\": 3")

	_, err = run(t, "--url", srv.URL, "cluster", "publication")
	require.NoError(t, err)
	_, err = run(t, "--url", srv.URL, "history", "--limit", "5")
	require.NoError(t, err)

	uris := []string{}
	for _, r := range reqs.all() {
		uris = append(uris, r.uri)
	}
	assert.Equal(t, []string{"/v1/state?prefix=svc%2F", "/v1/cluster/publication", "/v1/state/history?limit=5"}, uris)
}
