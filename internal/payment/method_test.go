package payment

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/storefront-checkout/internal/locale"
)

func TestAllowedRoutesByMarket(t *testing.T) {
	require.True(t, Allowed(locale.BR, PIX))
	require.True(t, Allowed(locale.BR, Credit))
	require.False(t, Allowed(locale.BR, PayPal))
	require.True(t, Allowed(locale.ES, PayPal))
	require.False(t, Allowed(locale.ES, PIX))
	require.False(t, Allowed(locale.ES, Credit))

	require.Equal(t, []Method{PayPal}, Methods(locale.ES))
	require.ErrorIs(t, CheckAllowed(locale.ES, PIX), ErrMethodNotAllowed)
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("card")
	require.NoError(t, err)
	require.Equal(t, Credit, m)
	_, err = ParseMethod("boleto")
	require.True(t, errors.Is(err, ErrUnknownMethod))
}

func TestMachineHappyPath(t *testing.T) {
	var m Machine
	require.NoError(t, m.Begin(PIX))
	require.True(t, m.Busy())
	require.NoError(t, m.Submit())
	require.NoError(t, m.Succeed())
	require.True(t, m.Done())
	require.ErrorIs(t, m.Begin(PIX), ErrInvalidTransition)
}

func TestMachineFailureReturnsToIdle(t *testing.T) {
	var m Machine
	require.NoError(t, m.Begin(Credit))
	require.NoError(t, m.Submit())
	require.NoError(t, m.Fail(errors.New("card declined")))
	require.Equal(t, Idle, m.State)
	require.Equal(t, "card declined", m.Error)
	require.False(t, m.Busy())

	require.NoError(t, m.Begin(Credit))
	require.Empty(t, m.Error)
}

func TestMachineRejectsIllegalTransitions(t *testing.T) {
	var m Machine
	require.ErrorIs(t, m.Submit(), ErrInvalidTransition)
	require.ErrorIs(t, m.Succeed(), ErrInvalidTransition)
	require.ErrorIs(t, m.Fail(nil), ErrInvalidTransition)

	require.NoError(t, m.Begin(PIX))
	require.ErrorIs(t, m.Begin(PIX), ErrInvalidTransition)
	require.ErrorIs(t, m.Succeed(), ErrInvalidTransition)
}
