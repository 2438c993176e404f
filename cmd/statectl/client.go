package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type client struct {
	BaseURL      string
	OutFormat    string // "json" | "text"
	FollowLeader bool
	Timeout      time.Duration
	Out          io.Writer
	HTTP         *http.Client
}

func (c *client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: c.Timeout}
}

func (c *client) do(method, path string, body []byte) (int, []byte, error) {
	url := strings.TrimRight(c.BaseURL, "/") + path
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.FollowLeader {
		// el nodo responde 307 al líder y el cliente reenvía el body
		req.Header.Set("X-Leader-Redirect", "1")
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusConflict {
		if l := resp.Header.Get("X-Leader"); l != "" {
			return resp.StatusCode, b, fmt.Errorf("node is not the leader (leader: %s); retry with --follow-leader", l)
		}
	}
	return resp.StatusCode, b, nil
}

// call hace el request y falla con el body de error si el status no es 2xx.
func (c *client) call(method, path string, body []byte) error {
	status, b, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		var e struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			Detail    string `json:"detail"`
			Retryable bool   `json:"retryable"`
		}
		if json.Unmarshal(b, &e) == nil && e.Code != "" {
			msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
			if e.Detail != "" {
				msg += " (" + e.Detail + ")"
			}
			if e.Retryable {
				msg += " [retryable]"
			}
			return fmt.Errorf("status=%d %s", status, msg)
		}
		return fmt.Errorf("status=%d body=%s", status, strings.TrimSpace(string(b)))
	}
	c.print(status, b)
	return nil
}

func (c *client) print(status int, body []byte) {
	if c.OutFormat == "json" {
		var v any
		if json.Unmarshal(body, &v) == nil {
			p, _ := json.MarshalIndent(v, "", "  ")
			fmt.Fprintln(c.Out, string(p))
			return
		}
	}
	if len(body) > 0 {
		fmt.Fprintln(c.Out, strings.TrimSpace(string(body)))
	} else {
		fmt.Fprintf(c.Out, "status=%d\n", status)
	}
}
