package transport

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind classifies an API failure for callers that need to branch on it.
type Kind int

const (
	// KindTransport covers network failures and 5xx responses.
	KindTransport Kind = iota
	// KindUnauthenticated covers 401/403, expected before login.
	KindUnauthenticated
	// KindValidation covers payload shape/size rejections.
	KindValidation
	// KindNotFound covers 404/409/410, e.g. deleting an already-gone message.
	KindNotFound
)

// Error is the structured failure returned for any non-2xx API response.
type Error struct {
	Kind    Kind
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("api: %s", e.Message)
	}
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

func kindForStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindUnauthenticated
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge,
		http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
		return KindValidation
	case http.StatusNotFound, http.StatusConflict, http.StatusGone:
		return KindNotFound
	}
	return KindTransport
}

func IsUnauthenticated(err error) bool { return hasKind(err, KindUnauthenticated) }

func IsValidation(err error) bool { return hasKind(err, KindValidation) }

func IsNotFound(err error) bool { return hasKind(err, KindNotFound) }

func hasKind(err error, kind Kind) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind == kind
	}
	return false
}
