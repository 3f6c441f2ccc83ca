package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// apiGet fetches path and decodes the JSON response into out.
func apiGet(path string, query url.Values, out interface{}) error {
	u := serverURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Get(u)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeResponse(path, resp, out)
}

// apiPost sends body as JSON to path and decodes the response into out.
// Long-blocking endpoints (monitor, human interaction) are served by the
// generous client timeout.
func apiPost(path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Minute}
	resp, err := client.Post(serverURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeResponse(path, resp, out)
}

func decodeResponse(path string, resp *http.Response, out interface{}) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}

	// Business failures arrive as 200 {ok:false,error}; protocol errors
	// as 4xx with the same envelope.
	var envelope struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("%s: unexpected response (HTTP %d)", path, resp.StatusCode)
	}
	if !envelope.OK {
		if envelope.Error == "" {
			envelope.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("%s: %s", path, envelope.Error)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}
