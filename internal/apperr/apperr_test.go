package apperr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:   http.StatusBadRequest,
		KindPrecondition: http.StatusConflict,
		KindAuthorization: http.StatusForbidden,
		KindNotFound:     http.StatusNotFound,
		KindUpstream:     http.StatusBadGateway,
		KindFatal:        http.StatusInternalServerError,
		KindDuplicate:    http.StatusOK,
	}
	for kind, status := range cases {
		assert.Equal(t, status, kind.HTTPStatus())
	}
}

func TestWrapUnwrapsCause(t *testing.T) {
	cause := errors.New("underlying failure")
	err := Wrap(KindUpstream, "checkout session create failed", cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, "upstream: checkout session create failed: underlying failure", err.Error())
}

func TestKindOfDefaultsToFatalForUnclassifiedErrors(t *testing.T) {
	assert.Equal(t, KindFatal, KindOf(errors.New("some plain error")))
}

func TestKindOfLosesKindWithoutErrorWrappingButAsFindsIt(t *testing.T) {
	err := Wrap(KindNotFound, "no such session", nil)
	wrapped := errors.New("context: " + err.Error())

	assert.Equal(t, KindFatal, KindOf(wrapped), "plain wrapping without %%w does not carry the Kind")

	asErr, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, asErr.Kind)
}

func TestSentinelDisambiguationThroughWrap(t *testing.T) {
	sentinelA := errors.New("terminal")
	sentinelB := errors.New("payment not valid")

	errA := Wrap(KindPrecondition, "session already terminal", sentinelA)
	errB := Wrap(KindPrecondition, "payment not confirmed", sentinelB)

	assert.True(t, errors.Is(errA, sentinelA))
	assert.False(t, errors.Is(errA, sentinelB))
	assert.True(t, errors.Is(errB, sentinelB))
	assert.False(t, errors.Is(errB, sentinelA))
}
