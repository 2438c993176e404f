package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	PathPublish = "/internal/cluster/publish"
	PathCommit  = "/internal/cluster/commit"

	maxBodyBytes = 64 << 20
)

// HTTPClient envía publish/commit como POST JSON al base URL de cada peer.
// Los peers se fijan al construirlo.
type HTTPClient struct {
	peers  map[string]string
	client *http.Client
}

// NewHTTPClient: peers es id -> base URL (ej. "http://10.0.0.2:8080").
func NewHTTPClient(peers map[string]string, timeout time.Duration) *HTTPClient {
	c := &HTTPClient{peers: make(map[string]string, len(peers)), client: &http.Client{Timeout: timeout}}
	for id, u := range peers {
		c.peers[id] = strings.TrimRight(u, "/")
	}
	return c
}

func (c *HTTPClient) SendPublish(ctx context.Context, to string, req PublishRequest) (PublishResponse, error) {
	var resp PublishResponse
	if err := c.post(ctx, to, PathPublish, req, &resp); err != nil {
		return PublishResponse{}, err
	}
	return resp, nil
}

func (c *HTTPClient) SendCommit(ctx context.Context, to string, req CommitRequest) (CommitResponse, error) {
	var resp CommitResponse
	if err := c.post(ctx, to, PathCommit, req, &resp); err != nil {
		return CommitResponse{}, err
	}
	return resp, nil
}

func (c *HTTPClient) post(ctx context.Context, to, path string, body, out any) error {
	base, ok := c.peers[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, to)
	}

	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := base + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeoutErr(err) {
			return fmt.Errorf("%w: %s: %v", ErrTimeout, to, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, to, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: http %s: %d %s", ErrRemote, url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Mount registra los endpoints internos del cluster en r.
func Mount(r chi.Router, h Handler) {
	r.Post(PathPublish, func(w http.ResponseWriter, req *http.Request) {
		var in PublishRequest
		if !decode(w, req, &in) {
			return
		}
		out, err := h.HandlePublish(req.Context(), in)
		reply(w, out, err)
	})
	r.Post(PathCommit, func(w http.ResponseWriter, req *http.Request) {
		var in CommitRequest
		if !decode(w, req, &in) {
			return
		}
		out, err := h.HandleCommit(req.Context(), in)
		reply(w, out, err)
	})
}

// NewHandler devuelve un router con sólo los endpoints internos.
func NewHandler(h Handler) http.Handler {
	r := chi.NewRouter()
	Mount(r, h)
	return r
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func reply(w http.ResponseWriter, out any, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
