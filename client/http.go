package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// StatusError is a non-success HTTP response from a host.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Code)
	}

	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// httpGet performs a GET request and decodes the JSON response.
func (c *Client) httpGet(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("GET %s:\n%w", path, err)
	}

	_, err = c.do(req, result, http.StatusOK)

	return err
}

// httpPostJSON performs a POST request with a JSON body and decodes the
// JSON response. It returns the response status.
func (c *Client) httpPostJSON(ctx context.Context, path string, body any, result any) (int, error) {
	jsonBytes, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal body:\n%w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(jsonBytes))
	if err != nil {
		return 0, fmt.Errorf("POST %s:\n%w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, result, http.StatusOK, http.StatusAccepted)
}

// do sends req and decodes the body into result when the status is one of accept.
func (c *Client) do(req *http.Request, result any, accept ...int) (int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s:\n%w", req.Method, req.URL.Path, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	for _, code := range accept {
		if resp.StatusCode != code {
			continue
		}

		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return code, fmt.Errorf("decode %s response:\n%w", req.URL.Path, err)
		}

		return code, nil
	}

	var body struct {
		Error string `json:"error"`
	}
	json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)

	return resp.StatusCode, &StatusError{Code: resp.StatusCode, Message: body.Error}
}
