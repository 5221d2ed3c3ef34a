package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAs(t *testing.T) {
	base := NotFoundf("message_not_found", "message %s not found", "msg_1")
	wrapped := fmt.Errorf("delete message: %w", base)

	tests := []struct {
		name     string
		err      error
		wantKind Kind
		wantCode string
	}{
		{"classified", base, NotFound, "message_not_found"},
		{"wrapped", wrapped, NotFound, "message_not_found"},
		{"plain", errors.New("boom"), Internal, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := As(tt.err)
			if got.Kind != tt.wantKind {
				t.Errorf("As() kind = %v, want %v", got.Kind, tt.wantKind)
			}
			if got.Code != tt.wantCode {
				t.Errorf("As() code = %q, want %q", got.Code, tt.wantCode)
			}
		})
	}

	if As(nil) != nil {
		t.Error("As(nil) should be nil")
	}
}

func TestPublic_HidesInternalCause(t *testing.T) {
	err := fmt.Errorf("insert message: %w", errors.New("pq: connection refused"))
	if got := Public(err); got != "internal error" {
		t.Errorf("Public() = %q, want generic message", got)
	}
	if got := Public(Forbiddenf("only the author can delete")); got != "only the author can delete" {
		t.Errorf("Public() = %q", got)
	}
}

func TestWithRef_Copies(t *testing.T) {
	base := Validationf("content is empty")
	scoped := base.WithRef("temp_1")
	if base.Ref != "" {
		t.Error("WithRef() mutated the receiver")
	}
	if scoped.Ref != "temp_1" {
		t.Errorf("WithRef() ref = %q, want temp_1", scoped.Ref)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{Unauthenticated, http.StatusUnauthorized},
		{Validation, http.StatusBadRequest},
		{NotFound, http.StatusNotFound},
		{Forbidden, http.StatusForbidden},
		{PersistenceConflict, http.StatusConflict},
		{Timeout, http.StatusGatewayTimeout},
		{Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := HTTPStatus(tt.kind); got != tt.want {
				t.Errorf("HTTPStatus(%v) = %d, want %d", tt.kind, got, tt.want)
			}
		})
	}
}
