package driver

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Petkit_Fountain ")
	require.NoError(t, err)
	assert.Equal(t, KindPetkitFountain, k)

	k, err = ParseKind("soil_tester")
	require.NoError(t, err)
	assert.Equal(t, KindSoilTester, k)

	_, err = ParseKind("toaster")
	assert.ErrorContains(t, err, "unknown device kind")
}

func TestCycleError_IsByStage(t *testing.T) {
	err := fmt.Errorf("cycle: %w", &CycleError{Stage: StageDecode, Command: "GET_DEVICE_STATE", Err: Decodef("mode", "value %d out of range", 7)})

	assert.ErrorIs(t, err, ErrDecode)
	assert.NotErrorIs(t, err, ErrHandshake)

	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "mode", de.Field)
	assert.Contains(t, err.Error(), "decode failed at GET_DEVICE_STATE")
}

func TestCycleError_NilSafe(t *testing.T) {
	var e *CycleError
	assert.Equal(t, "<nil>", e.Error())
	assert.False(t, e.Is(ErrDecode))
	assert.Nil(t, e.Unwrap())
	assert.False(t, errors.Is(ErrRead, ErrControl))
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "reset_filter", Command{Name: "reset_filter"}.String())
	assert.Equal(t, "mode=smart", Command{Name: "mode", Value: "smart"}.String())
}

func TestValuesKeepOrder(t *testing.T) {
	v := NewValues()
	v.Set("battery", 87)
	v.Set("power_status", "On")
	v.Set("mode", "Smart")

	var keys []string
	for pair := v.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	assert.Equal(t, []string{"battery", "power_status", "mode"}, keys)
}
