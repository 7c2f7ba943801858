package autorepay

import (
	"errors"
	"fmt"
	"testing"

	"github.com/coldbell/autorepay/internal/exchange"
	"github.com/coldbell/autorepay/internal/introspect"
	"github.com/coldbell/autorepay/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodesAreSequential(t *testing.T) {
	for i, e := range allErrors {
		assert.Equal(t, uint32(6000+i), e.Code, e.Name)
		found, ok := ErrorByCode(e.Code)
		require.True(t, ok)
		assert.Same(t, e, found)
	}
	_, ok := ErrorByCode(5999)
	assert.False(t, ok)
	assert.Equal(t, uint32(6011), ErrPostHealthBelowMinimum.Code)
}

func TestErrorCodeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("instruction 3: %w", fmt.Errorf("%w: health 20", ErrPostHealthBelowMinimum))
	code, ok := ErrorCode(err)
	require.True(t, ok)
	assert.Equal(t, uint32(6011), code)
	assert.Contains(t, err.Error(), "custom program error: 0x177b")

	_, ok = ErrorCode(errors.New("plain"))
	assert.False(t, ok)
}

func TestProgramErrorMapping(t *testing.T) {
	cases := []struct {
		in   error
		want *Error
	}{
		{fmt.Errorf("x: %w", introspect.ErrUnexpectedInstruction), ErrIllegalAutoRepayInstructions},
		{fmt.Errorf("x: %w", introspect.ErrDeserialization), ErrDeserializationError},
		{fmt.Errorf("x: %w", introspect.ErrInstructionOutOfRange), ErrDeserializationError},
		{fmt.Errorf("x: %w", vault.ErrInvalidVault), ErrInvalidVault},
		{fmt.Errorf("x: %w", exchange.ErrMathError), ErrMathOverflow},
		{fmt.Errorf("x: %w", ErrInvalidMint), ErrInvalidMint},
	}
	for _, tc := range cases {
		assert.ErrorIs(t, programError(tc.in), tc.want, tc.in.Error())
	}

	other := errors.New("token: insufficient funds")
	assert.Same(t, other, programError(other))
	assert.NoError(t, programError(nil))
}
