package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// HTTP calls a URL. Any transport error or a status outside ExpectStatus (2xx/3xx by default) fails the execution.
type HTTP struct {
	Client *http.Client
}

type Request struct {
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers"`
	Body         json.RawMessage   `json:"body"`
	Timeout      int               `json:"timeout"` // seconds
	ExpectStatus []int             `json:"expect_status"`
}

const maxErrorBody = 1024

func (h HTTP) Handle(ctx context.Context, payload json.RawMessage) error {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("invalid HTTP request payload: %w", err)
	}
	if req.URL == "" {
		return fmt.Errorf("URL is required")
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Timeout <= 0 {
		req.Timeout = 30
	}

	client := h.Client
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), req.URL, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if !accepted(resp.StatusCode, req.ExpectStatus) {
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	log.Debug().Str("component", "handler.http").Str("url", req.URL).Int("status", resp.StatusCode).Msg("request finished")
	return nil
}

func accepted(code int, expect []int) bool {
	if len(expect) == 0 {
		return code < 400
	}
	for _, c := range expect {
		if c == code {
			return true
		}
	}
	return false
}
