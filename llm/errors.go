package llm

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	ErrUnauthorized  = errors.New("provider rejected credentials")
	ErrRateLimited   = errors.New("provider rate limited")
	ErrUnavailable   = errors.New("provider unavailable")
	ErrEmptyResponse = errors.New("provider returned an empty response")
	// ErrMissingAPIKey is returned when selecting a hosted model without its key.
	ErrMissingAPIKey = errors.New("missing api key")
	// ErrUnknownModel is returned for model names the registry does not serve.
	ErrUnknownModel = errors.New("unknown model")
)

const maxErrorBodyBytes = 4096

// statusError maps a non-2xx response onto the shared sentinels.
func statusError(provider string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", provider, ErrUnauthorized)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w", provider, ErrRateLimited)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s: %s: %w", provider, resp.Status, ErrUnavailable)
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	detail := strings.TrimSpace(string(msg))
	if detail != "" {
		return fmt.Errorf("%s error: %s: %s", provider, resp.Status, detail)
	}
	return fmt.Errorf("%s error: %s", provider, resp.Status)
}
