package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfClassifiedError(t *testing.T) {
	err := E(KindInsufficientFunds, "insufficient funds")
	assert.Equal(t, KindInsufficientFunds, KindOf(err))
	assert.Equal(t, "insufficient funds", Detail(err))
}

func TestKindOfWrappedError(t *testing.T) {
	err := fmt.Errorf("placing order: %w", NotFound("Instrument"))
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, "Instrument does not exist", Detail(err))
}

func TestKindOfPlainErrorIsInternal(t *testing.T) {
	err := errors.New("connection reset")
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, "internal server error", Detail(err))
}

func TestInsufficientReservedIsInternal(t *testing.T) {
	err := fmt.Errorf("release 10 on wallet 1: %w", ErrInsufficientReserved)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindOf(err)))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindNotFound:              http.StatusNotFound,
		KindInvalidAuthFormat:     http.StatusUnauthorized,
		KindInvalidAPIKey:         http.StatusUnauthorized,
		KindAccessDenied:          http.StatusForbidden,
		KindInsufficientFunds:     http.StatusBadRequest,
		KindInsufficientLiquidity: http.StatusBadRequest,
		KindInvalidOrderState:     http.StatusBadRequest,
		KindValidation:            http.StatusUnprocessableEntity,
		KindConflict:              http.StatusConflict,
		KindInternal:              http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind))
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindInternal, "placement failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "placement failed")
}
