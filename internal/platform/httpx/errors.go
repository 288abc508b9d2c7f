// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for the transport layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
)

// Mapping binds an error kind to an HTTP status and problem title.
type Mapping struct {
	Err    error
	Status int
	Title  string
}

var defaultMappings = []Mapping{
	{Err: ErrNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Err: ErrValidation, Status: http.StatusBadRequest, Title: "Validation Failed"},
	{Err: ErrForbidden, Status: http.StatusForbidden, Title: "Forbidden"},
	{Err: ErrUnauthorized, Status: http.StatusUnauthorized, Title: "Unauthorized"},
	{Err: ErrConflict, Status: http.StatusConflict, Title: "Conflict"},
}

// RespondError maps errors to HTTP responses using RFC7807. Domain mappings
// are checked before the transport sentinels. Unmapped errors become a 500
// without detail.
func RespondError(w http.ResponseWriter, err error, mappings ...Mapping) {
	for _, set := range [][]Mapping{mappings, defaultMappings} {
		for _, m := range set {
			if errors.Is(err, m.Err) {
				Problem(w, m.Status, m.Title, err.Error())
				return
			}
		}
	}
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
