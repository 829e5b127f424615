// Package ranking talks to the remote ranking service: a paged leaderboard and a
// per-player detail endpoint, behind a retrying executor.
package ranking

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxBodyBytes caps a response body read into memory.
const maxBodyBytes = 8 << 20

// Response is one completed HTTP exchange, whatever its status.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Transport performs a single GET without retrying.
type Transport interface {
	Get(ctx context.Context, url string) (Response, error)
}

type HTTPOptions struct {
	Timeout          time.Duration
	UserAgent        string
	CredentialHeader string
	Credential       string
	Header           map[string]string
}

// HTTPTransport is the net/http Transport.
type HTTPTransport struct {
	client *http.Client
	header http.Header
}

func NewHTTPTransport(opt HTTPOptions) *HTTPTransport {
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	h := http.Header{}
	h.Set("Accept", "application/json")
	if ua := strings.TrimSpace(opt.UserAgent); ua != "" {
		h.Set("User-Agent", ua)
	}
	for k, v := range opt.Header {
		h.Set(k, v)
	}
	if opt.Credential != "" {
		name := strings.TrimSpace(opt.CredentialHeader)
		if name == "" {
			name = "Cookie"
		}
		h.Set(name, opt.Credential)
	}
	return &HTTPTransport{
		client: &http.Client{Timeout: timeout},
		header: h,
	}
}

func (t *HTTPTransport) Get(ctx context.Context, url string) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range t.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read body: %w", err)
	}
	return Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}
