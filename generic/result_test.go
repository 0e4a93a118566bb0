package generic

import (
	"errors"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
)

func TestResult(t *testing.T) {
	assert := assert_.New(t)

	ok := Ok(123)
	assert.True(ok.IsOk())
	assert.False(ok.IsErr())
	assert.Equal(123, ok.Unwrap())
	v, err := ok.Parts()
	assert.Equal(123, v)
	assert.NoError(err)

	failure := errors.New("failure")
	bad := Err[int](failure)
	assert.True(bad.IsErr())
	assert.Equal(7, bad.UnwrapOr(7))
	assert.Panics(func() { bad.Unwrap() })
	_, err = bad.Parts()
	assert.ErrorIs(err, failure)

	assert.Panics(func() { Unwrap(0, failure) })
}
