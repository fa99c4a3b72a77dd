package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := Singular("bem.solve", "LU condition %g", 1e20).WithInput("abcdef0123456789abcdef")
	assert.True(t, Is(err, ErrSingularMatrix))
	assert.False(t, Is(err, ErrGeometry))

	wrapped := fmt.Errorf("forward build: %w", err)
	assert.True(t, Is(wrapped, ErrSingularMatrix))
	assert.Equal(t, KindSingularMatrix, KindOf(wrapped))
}

func TestError_Format(t *testing.T) {
	cause := stderrors.New("boom")
	err := Wrap(cause, KindGeometry, "geometry.validate", "surface %q open", "scalp").WithInput("0123456789abcdef0123")
	assert.Equal(t, `GeometryError [geometry.validate] (0123456789abcdef): surface "scalp" open: boom`, err.Error())
	assert.True(t, Is(err, cause))
}

func TestKindOf_Plain(t *testing.T) {
	assert.Equal(t, Kind(0), KindOf(stderrors.New("x")))
	assert.Equal(t, "Kind(42)", Kind(42).String())
}

func TestWithInput_Nil(t *testing.T) {
	var e *Error
	assert.Nil(t, e.WithInput("x"))
}
