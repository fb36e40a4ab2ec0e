package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSessionStateString(t *testing.T) {
	tests := []struct {
		state SessionState
		want  string
	}{
		{SessionCreating, "CREATING"},
		{SessionProvisioning, "PROVISIONING"},
		{SessionInitializing, "INITIALIZING"},
		{SessionReady, "READY"},
		{SessionResuming, "RESUMING"},
		{SessionStopping, "STOPPING"},
		{SessionStopped, "STOPPED"},
		{SessionStoppedIdle, "STOPPED_IDLE"},
		{SessionDeleting, "DELETING"},
		{SessionDeleted, "DELETED"},
		{SessionError, "ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, string(tt.state))
		})
	}
}

func TestSessionStatePredicates(t *testing.T) {
	assert.True(t, SessionDeleted.Terminal())
	assert.False(t, SessionError.Terminal())
	assert.False(t, SessionStopped.Terminal())

	assert.True(t, SessionStopped.Stopped())
	assert.True(t, SessionStoppedIdle.Stopped())
	assert.False(t, SessionStopping.Stopped())
	assert.False(t, SessionReady.Stopped())
}

func TestScheduleDay(t *testing.T) {
	s := Schedule{
		"monday":   {Type: ScheduleWorkingHours},
		"saturday": {Type: ScheduleCustom, StartTime: "10:00", StopTime: "14:00"},
		"sunday":   {},
	}
	assert.Equal(t, ScheduleWorkingHours, s.Day(time.Monday).Type)
	assert.Equal(t, "14:00", s.Day(time.Saturday).StopTime)
	assert.Equal(t, ScheduleNone, s.Day(time.Tuesday).Type, "missing day")
	assert.Equal(t, ScheduleNone, s.Day(time.Sunday).Type, "empty type")

	var nilSchedule Schedule
	assert.Equal(t, ScheduleNone, nilSchedule.Day(time.Friday).Type)
}

func TestScheduleDecodesFromJSONAndYAML(t *testing.T) {
	var fromJSON Schedule
	require.NoError(t, json.Unmarshal([]byte(`{"friday":{"type":"CUSTOM_SCHEDULE","start_time":"08:30","stop_time":"12:00"}}`), &fromJSON))
	assert.Equal(t, DaySchedule{Type: ScheduleCustom, StartTime: "08:30", StopTime: "12:00"}, fromJSON.Day(time.Friday))

	var fromYAML Schedule
	require.NoError(t, yaml.Unmarshal([]byte("friday:\n  type: STOP_ALL_DAY\n"), &fromYAML))
	assert.Equal(t, ScheduleStopAllDay, fromYAML.Day(time.Friday).Type)
}

func TestJoinComputerPayloadOmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(JoinComputerPayload{SessionID: "s1", InstanceID: "i-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"session_id":"s1","instance_id":"i-1"}`, string(data))
}

func TestServiceCredentialExpiresAt(t *testing.T) {
	set := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		cred ServiceCredential
		want time.Time
	}{
		{"max age", ServiceCredential{PasswordLastSet: set, MaxAge: 42 * 24 * time.Hour}, set.Add(42 * 24 * time.Hour)},
		{"never expires", ServiceCredential{PasswordLastSet: set}, time.Time{}},
		{"never set", ServiceCredential{MaxAge: time.Hour}, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cred.ExpiresAt())
		})
	}
}

func TestPermissionProfileYAML(t *testing.T) {
	var p PermissionProfile
	require.NoError(t, yaml.Unmarshal([]byte(`project: genomics
allowed_owners: [alice, bob]
allowed_stacks: [ami-0desktop]
max_sessions_per_owner: 3
`), &p))
	assert.Equal(t, "genomics", p.Project)
	assert.Equal(t, []string{"alice", "bob"}, p.AllowedOwners)
	assert.Equal(t, []string{"ami-0desktop"}, p.AllowedStacks)
	assert.Equal(t, 3, p.MaxSessionsPerOwner)
}

func TestSessionZeroValue(t *testing.T) {
	var s Session
	assert.Empty(t, s.ID)
	assert.Empty(t, s.State)
	assert.Zero(t, s.Version)
	assert.True(t, s.BootedAt.IsZero())
	assert.Equal(t, ScheduleNone, s.Schedule.Day(time.Monday).Type)
}
