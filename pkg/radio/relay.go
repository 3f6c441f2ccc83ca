package radio

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RelayResult carries a relayed HTTP response; the body is base64 both
// ways so binary payloads survive the JSON transport.
type RelayResult struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// HTTPRelay performs an HTTP request on behalf of a device under test
// that can only reach this host.
func (c *Controller) HTTPRelay(method, url string, headers map[string]string, bodyB64 string, timeout time.Duration) (*RelayResult, error) {
	if err := c.checkTestingMode(); err != nil {
		return nil, err
	}
	if url == "" {
		return nil, fmt.Errorf("radio: relay url required")
	}
	if method == "" {
		method = "GET"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var body io.Reader
	if bodyB64 != "" {
		raw, err := base64.StdEncoding.DecodeString(bodyB64)
		if err != nil {
			return nil, fmt.Errorf("radio: relay body not base64: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(strings.ToUpper(method), url, body)
	if err != nil {
		return nil, fmt.Errorf("radio: relay request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("radio: relay: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("radio: relay read body: %w", err)
	}

	out := &RelayResult{
		Status:  resp.StatusCode,
		Headers: make(map[string]string, len(resp.Header)),
		Body:    base64.StdEncoding.EncodeToString(raw),
	}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	return out, nil
}
