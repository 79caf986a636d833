package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from    InstanceStatus
		to      InstanceStatus
		allowed bool
	}{
		{StatusPendingPayment, StatusActive, true},
		{StatusPendingPayment, StatusCancelled, true},
		{StatusPendingPayment, StatusExpired, true},
		{StatusPendingPayment, StatusSuspended, false},
		{StatusPendingPayment, StatusTrial, false},

		{StatusTrial, StatusActive, true},
		{StatusTrial, StatusCancelled, true},
		{StatusTrial, StatusExpired, true},
		{StatusTrial, StatusSuspended, false},

		{StatusActive, StatusSuspended, true},
		{StatusActive, StatusCancelled, true},
		{StatusActive, StatusExpired, true},
		{StatusActive, StatusTrial, false},
		{StatusActive, StatusPendingPayment, false},

		{StatusSuspended, StatusActive, true},
		{StatusSuspended, StatusCancelled, true},
		{StatusSuspended, StatusExpired, true},
		{StatusSuspended, StatusTrial, false},

		{StatusCancelled, StatusActive, false},
		{StatusCancelled, StatusExpired, false},
		{StatusExpired, StatusActive, false},
		{StatusExpired, StatusCancelled, false},
	}

	for _, tc := range cases {
		require.Equal(t, tc.allowed, CanTransition(tc.from, tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestTransition_GuardViolationLeavesStatusUnchanged(t *testing.T) {
	instance := &AddOnInstance{Status: StatusCancelled}

	err := instance.Transition(StatusActive)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, StatusCancelled, instance.Status)
}

func TestTransition_AppliesTarget(t *testing.T) {
	instance := &AddOnInstance{Status: StatusActive}

	require.NoError(t, instance.Transition(StatusSuspended))
	require.Equal(t, StatusSuspended, instance.Status)

	require.NoError(t, instance.Transition(StatusActive))
	require.Equal(t, StatusActive, instance.Status)
}

func TestTerminalStatuses(t *testing.T) {
	require.True(t, StatusCancelled.Terminal())
	require.True(t, StatusExpired.Terminal())
	require.False(t, StatusActive.Terminal())
	require.False(t, StatusSuspended.Terminal())
	require.False(t, StatusTrial.Terminal())
	require.False(t, StatusPendingPayment.Terminal())
}

func TestEntitledStatuses(t *testing.T) {
	require.True(t, StatusActive.Entitled())
	require.True(t, StatusTrial.Entitled())
	require.False(t, StatusPendingPayment.Entitled())
	require.False(t, StatusSuspended.Entitled())
	require.False(t, StatusCancelled.Entitled())
	require.False(t, StatusExpired.Entitled())
}
