package wares

import "fmt"

// APIError is a structured failure from a marketplace call. Message is
// the server-supplied error text or an operation-specific fallback,
// Status is the HTTP status when a response was received (408 for a
// client-side timeout), and Code is the server's machine-readable
// error code when it sent one.
//
// APIError values are constructed when a call fails and never mutated
// afterward. Inspect them with errors.As:
//
//	var apiErr *wares.APIError
//	if errors.As(err, &apiErr) && apiErr.Status == 404 { ... }
type APIError struct {
	Message string
	Status  int
	Code    string
}

func (e *APIError) Error() string {
	switch {
	case e.Status != 0 && e.Code != "":
		return fmt.Sprintf("marketplace: %s (status %d, code %s)", e.Message, e.Status, e.Code)
	case e.Status != 0:
		return fmt.Sprintf("marketplace: %s (status %d)", e.Message, e.Status)
	default:
		return "marketplace: " + e.Message
	}
}
