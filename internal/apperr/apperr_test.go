package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := errors.New("connection refused")
	err := fmt.Errorf("calc: %w", E(KindFetch, "imagesrc.Fetch", base))

	require.Equal(t, KindFetch, KindOf(err))
	require.True(t, Is(err, KindFetch))
	require.False(t, Is(err, KindDecode))
	require.ErrorIs(t, err, base)
}

func TestIsFindsInnerKind(t *testing.T) {
	inner := Errorf(KindDecode, "imagesrc.Decode", "bad header")
	outer := E(KindDetection, "detect.Engine", inner)

	require.Equal(t, KindDetection, KindOf(outer))
	require.True(t, Is(outer, KindDecode))
}

func TestNilWrap(t *testing.T) {
	require.NoError(t, E(KindFetch, "op", nil))
}

func TestHTTPStatusAndParse(t *testing.T) {
	require.Equal(t, http.StatusNotFound, HTTPStatus(KindNotFound))
	require.Equal(t, http.StatusBadRequest, HTTPStatus(KindValidation))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(KindUnknown))
	require.Equal(t, KindPersistence, ParseKind("persistence"))
	require.Equal(t, KindUnknown, ParseKind("nope"))
}
