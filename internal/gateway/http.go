// internal/gateway/http.go
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	appErrors "github.com/unclebandit/eduops-messaging/internal/errors"
)

const maxErrorBody = 4 << 10

// restClient performs one JSON round trip against a vendor REST API and folds
// every failure into a TransportError.
type restClient struct {
	vendor string
	http   *http.Client
}

func (c restClient) do(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return appErrors.NewTransportError(c.vendor, op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return appErrors.NewTransportError(c.vendor, op, resp.StatusCode, errors.New(msg))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return appErrors.NewTransportError(c.vendor, op, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c restClient) fail(op, format string, args ...any) error {
	return appErrors.NewTransportError(c.vendor, op, 0, fmt.Errorf(format, args...))
}

func trimBase(base, def string) string {
	if base == "" {
		base = def
	}
	return strings.TrimRight(base, "/")
}
