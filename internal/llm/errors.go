package llm

import "fmt"

type ErrUnsupportedProvider struct {
	Provider string
}

func (e ErrUnsupportedProvider) Error() string {
	return fmt.Sprintf("unsupported LLM provider: %s", e.Provider)
}

// APIError is a non-2xx answer from a provider endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("LLM request failed: status %d", e.StatusCode)
	}
	return fmt.Sprintf("LLM request failed: status %d: %s", e.StatusCode, e.Body)
}
