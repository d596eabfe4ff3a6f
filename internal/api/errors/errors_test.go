package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/sandbox-plane/internal/store"
)

func TestErrorResponseCarriesRequestID(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	genCode := gen.OneConstOf(
		CodeValidationError,
		CodeNotFound,
		CodeUnauthorized,
		CodeForbidden,
		CodeInternalError,
		CodeConflict,
		CodeTooLarge,
		CodeLaunchFailed,
	)

	properties.Property("response body has code, message and request_id", prop.ForAll(
		func(code, message, requestID string) bool {
			handler := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				WriteError(w, r, New(code, message))
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(middleware.RequestIDHeader, requestID)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			var body APIError
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				return false
			}
			return body.Code == code &&
				body.Message == message &&
				body.RequestID == requestID &&
				rr.Code == New(code, message).HTTPStatusCode()
		},
		genCode,
		gen.AlphaString(),
		gen.RegexMatch("[a-f0-9]{8}-[a-f0-9]{4}"),
	))

	properties.TestingRun(t)
}

func TestFromError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("get: %w", store.ErrNotFound), http.StatusNotFound},
		{store.ErrDuplicateKey, http.StatusConflict},
		{store.ErrConcurrentModification, http.StatusConflict},
		{NewForbiddenError("no"), http.StatusForbidden},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := FromError(tt.err).HTTPStatusCode(); got != tt.want {
			t.Errorf("FromError(%v) status = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestInternalErrorHidesCause(t *testing.T) {
	got := FromError(fmt.Errorf("pq: password authentication failed"))
	if got.Message != "an unexpected error occurred" {
		t.Errorf("message leaked: %q", got.Message)
	}
}
