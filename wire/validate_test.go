package wire

import (
	"testing"
	"time"

	"github.com/rabia-rs/rabia/api"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testValidationConfig(members ...api.NodeId) ValidationConfig {
	set := make(map[api.NodeId]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	return ValidationConfig{
		MaxFrameBytes:    16 * 1024 * 1024,
		MaxClockSkew:     30 * time.Second,
		BoundedLookahead: 1000,
		Members:          set,
	}
}

func TestValidateFrame_SizeBoundary(t *testing.T) {
	cfg := ValidationConfig{MaxFrameBytes: 100}

	atLimit := make([]byte, 100)
	_, err := ValidateFrame(atLimit, cfg)
	// Not a size failure; it'll fail to decode as garbage, but must not
	// be rejected for size.
	if ve, ok := err.(*ValidationError); ok {
		assert.NotEqual(t, ReasonTooLarge, ve.Reason)
	}

	overLimit := make([]byte, 101)
	_, err = ValidateFrame(overLimit, cfg)
	require.Error(t, err)
	ve, ok := err.(*ValidationError)
	require.True(t, ok)
	assert.Equal(t, ReasonTooLarge, ve.Reason)
}

func TestValidateFrame_ChecksumFailure(t *testing.T) {
	env := testEnvelope(KindHeartbeat, &Heartbeat{CurrentPhase: 1, HighestCommitted: 0})
	frame, err := Encode(env)
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0xFF

	_, err = ValidateFrame(frame, testValidationConfig(env.From))
	require.Error(t, err)
	ve, ok := err.(*ValidationError)
	require.True(t, ok)
	assert.Equal(t, ReasonChecksum, ve.Reason)
}

func TestValidateEnvelope_ClockSkew(t *testing.T) {
	self := api.NewNodeId()
	env := &Envelope{From: self, Timestamp: time.Now().Add(-time.Hour), Kind: KindHeartbeat, Body: &Heartbeat{}}
	cfg := testValidationConfig(self)

	err := ValidateEnvelope(env, 0, cfg, time.Now())
	require.Error(t, err)
	ve, ok := err.(*ValidationError)
	require.True(t, ok)
	assert.Equal(t, ReasonClockSkew, ve.Reason)
}

func TestValidateEnvelope_NotMember(t *testing.T) {
	stranger := api.NewNodeId()
	env := &Envelope{From: stranger, Timestamp: time.Now(), Kind: KindHeartbeat, Body: &Heartbeat{}}
	cfg := testValidationConfig(api.NewNodeId()) // stranger is not in the member set

	err := ValidateEnvelope(env, 0, cfg, time.Now())
	require.Error(t, err)
	ve, ok := err.(*ValidationError)
	require.True(t, ok)
	assert.Equal(t, ReasonNotMember, ve.Reason)
}

func TestValidateEnvelope_PhaseOutOfRange(t *testing.T) {
	self := api.NewNodeId()
	cfg := testValidationConfig(self)
	cfg.BoundedLookahead = 5

	cases := []struct {
		name    string
		phase   api.PhaseId
		current api.PhaseId
		wantErr bool
	}{
		{"zero phase rejected", 0, 10, true},
		{"within lookahead accepted", 12, 10, false},
		{"beyond lookahead rejected", 16, 10, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := &Envelope{From: self, Timestamp: time.Now(), Kind: KindVote, Body: &Vote{PhaseId: tc.phase}}
			err := ValidateEnvelope(env, tc.current, cfg, time.Now())
			if tc.wantErr {
				require.Error(t, err)
				ve, ok := err.(*ValidationError)
				require.True(t, ok)
				assert.Equal(t, ReasonPhaseOutOfRange, ve.Reason)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateBatch(t *testing.T) {
	valid := &api.CommandBatch{
		Id: api.NewBatchId(),
		Commands: []api.Command{
			{Id: uuid.New(), Data: []byte("x")},
		},
	}
	require.NoError(t, valid.Stamp())
	assert.NoError(t, ValidateBatch(valid, 10, 1024))

	unstamped := &api.CommandBatch{
		Id: api.NewBatchId(),
		Commands: []api.Command{
			{Id: uuid.New(), Data: []byte("x")},
		},
	}
	err := ValidateBatch(unstamped, 10, 1024)
	require.Error(t, err)
	ve, ok := err.(*ValidationError)
	require.True(t, ok)
	assert.Equal(t, ReasonChecksum, ve.Reason)

	empty := &api.CommandBatch{Id: api.NewBatchId()}
	assert.Error(t, ValidateBatch(empty, 10, 1024))

	tooManyCommands := &api.CommandBatch{Id: api.NewBatchId()}
	for i := 0; i < 11; i++ {
		tooManyCommands.Commands = append(tooManyCommands.Commands, api.Command{Id: uuid.New(), Data: []byte("x")})
	}
	assert.Error(t, ValidateBatch(tooManyCommands, 10, 1024))

	emptyCommand := &api.CommandBatch{Id: api.NewBatchId(), Commands: []api.Command{{Id: uuid.New()}}}
	assert.Error(t, ValidateBatch(emptyCommand, 10, 1024))

	oversizedCommand := &api.CommandBatch{Id: api.NewBatchId(), Commands: []api.Command{{Id: uuid.New(), Data: make([]byte, 2048)}}}
	assert.Error(t, ValidateBatch(oversizedCommand, 10, 1024))
}

func TestValidateSequence(t *testing.T) {
	assert.NoError(t, ValidateSequence(5, 6, 10))
	assert.Error(t, ValidateSequence(5, 5, 10), "phase must strictly advance")
	assert.Error(t, ValidateSequence(5, 4, 10), "phase must not regress")
	assert.Error(t, ValidateSequence(5, 20, 10), "jump larger than max must be rejected")
}
