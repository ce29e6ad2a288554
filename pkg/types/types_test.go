package types

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvailability_String(t *testing.T) {
	tests := []struct {
		name  string
		avail Availability
		want  string
	}{
		{"empty", 0, "null"},
		{"failed", AvailFailed, "failed"},
		{"dependency", AvailDependency, "dependency"},
		{"both sorted", AvailFailed | AvailDependency, "dependency,failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.avail.String())
		})
	}
}

func TestParseAvailability(t *testing.T) {
	a, err := ParseAvailability("failed,dependency")
	require.NoError(t, err)
	assert.Equal(t, AvailFailed|AvailDependency, a)

	a, err = ParseAvailability("null")
	require.NoError(t, err)
	assert.True(t, a.IsEmpty())

	_, err = ParseAvailability("offduty")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestAvailability_AddRemove(t *testing.T) {
	var a Availability
	a = a.With(AvailFailed).With(AvailDependency)
	assert.True(t, a.Has(AvailFailed))
	assert.True(t, a.Has(AvailDependency))

	a = a.Without(AvailDependency)
	assert.Equal(t, "failed", a.String())
	assert.False(t, a.Has(AvailDependency))
}

func TestParseCompositeState(t *testing.T) {
	st, err := ParseCompositeState("unlocked,disabled,dependency,failed,coldstandby")
	require.NoError(t, err)
	assert.Equal(t, AdminUnlocked, st.Admin)
	assert.Equal(t, OpDisabled, st.Operational)
	assert.Equal(t, AvailFailed|AvailDependency, st.Availability)
	assert.Equal(t, StandbyCold, st.Standby)
	assert.Equal(t, "unlocked,disabled,dependency,failed,coldstandby", st.String())

	for _, bad := range []string{"", "unlocked,enabled,null", "open,enabled,null,null", "unlocked,enabled,null,warm"} {
		_, err := ParseCompositeState(bad)
		assert.Error(t, err, bad)
	}
}

func TestCompositeState_JSON(t *testing.T) {
	st := CompositeState{Admin: AdminLocked, Operational: OpDisabled, Availability: AvailFailed, Standby: StandbyCold}

	data, err := json.Marshal(st)
	require.NoError(t, err)
	assert.JSONEq(t, `{"admin":"locked","operational":"disabled","availability":"failed","standby":"coldstandby"}`, string(data))

	var decoded CompositeState
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, st, decoded)
}

func TestCompositeState_Canonical(t *testing.T) {
	assert.True(t, DefaultState().IsCanonical())
	assert.True(t, CompositeState{Admin: AdminUnlocked, Operational: OpDisabled, Availability: AvailFailed, Standby: StandbyNull}.IsCanonical())
	assert.False(t, CompositeState{Admin: AdminUnlocked, Operational: OpDisabled, Standby: StandbyNull}.IsCanonical())
	assert.False(t, CompositeState{Admin: AdminUnlocked, Operational: OpEnabled, Availability: AvailDependency, Standby: StandbyNull}.IsCanonical())
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("DisableFailed")
	require.NoError(t, err)
	assert.Equal(t, ActionDisableFailed, a)

	_, err = ParseAction("reboot")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestForwardProgress_IsStale(t *testing.T) {
	now := time.Now()
	fp := &ForwardProgress{UpdatedAt: now.Add(-10 * time.Second)}

	assert.True(t, fp.IsStale(now, 5*time.Second))
	assert.False(t, fp.IsStale(now, 15*time.Second))
	assert.False(t, fp.IsStale(now, 0))
}

func TestStoreError(t *testing.T) {
	err := error(&StoreError{Op: "get", Resource: "pdp-1", Err: ErrNotFound})
	assert.True(t, errors.Is(err, ErrStore))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "pdp-1")

	var ie error = &IntegrityError{Resource: "pdp-1", Reasons: []string{"stale"}}
	assert.True(t, errors.Is(ie, ErrIntegrity))
}
