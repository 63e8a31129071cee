package core_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openmemory/openmemory-go/pkg/core"
)

func TestE_PreservesKindThroughWrapping(t *testing.T) {
	err := core.EK("GetMemory", core.KindNotFound, errors.New("no row"))
	wrapped := core.E("handler", fmt.Errorf("outer: %w", err))

	assert.Equal(t, core.KindNotFound, core.KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, core.ErrNotFound))
}

func TestE_NilPassthrough(t *testing.T) {
	assert.NoError(t, core.E("op", nil))
	assert.NoError(t, core.EK("op", core.KindConflict, nil))
}

func TestE_DeadlineBecomesTimeout(t *testing.T) {
	err := core.E("Query", context.DeadlineExceeded)
	assert.Equal(t, core.KindTimeout, core.KindOf(err))
	assert.Equal(t, http.StatusGatewayTimeout, core.HTTPStatus(err))
}

func TestCode(t *testing.T) {
	cases := []struct {
		kind core.Kind
		code string
	}{
		{core.KindNotFound, "not_found"},
		{core.KindValidation, "validation_error"},
		{core.KindConflict, "conflict"},
		{core.KindTenantScope, "tenant_scope_violation"},
		{core.KindUnsupportedContentType, "unsupported_media_type"},
		{core.KindFileTooLarge, "file_too_large"},
		{core.KindRateLimited, "rate_limited"},
		{core.KindInternal, "internal"},
	}
	for _, tc := range cases {
		err := core.EK("op", tc.kind, errors.New("x"))
		assert.Equal(t, tc.code, core.Code(err))
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		kind   core.Kind
		status int
	}{
		{core.KindNotFound, http.StatusNotFound},
		{core.KindValidation, http.StatusBadRequest},
		{core.KindUnauthorized, http.StatusUnauthorized},
		{core.KindForbidden, http.StatusForbidden},
		{core.KindConflict, http.StatusConflict},
		{core.KindUnsupportedContentType, http.StatusUnsupportedMediaType},
		{core.KindFileTooLarge, http.StatusRequestEntityTooLarge},
		{core.KindRateLimited, http.StatusTooManyRequests},
		{core.KindDependencyUnavailable, http.StatusServiceUnavailable},
		{core.KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		err := core.EK("op", tc.kind, errors.New("x"))
		assert.Equal(t, tc.status, core.HTTPStatus(err))
	}
}

func TestHTTPStatus_PlainError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, core.HTTPStatus(errors.New("boom")))
}
