package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to Stage
		want     bool
	}{
		{StageReceived, StageExtracting, true},
		{StageExtracting, StageClosed, true},
		{StageExtracting, StageEnriching, true},
		{StageEnriching, StageReasoning, true},
		{StageReasoning, StageResponding, true},
		{StageReasoning, StageAwaitingApproval, true},
		{StageAwaitingApproval, StageResponding, true},
		{StageAwaitingApproval, StageClosed, true},
		{StageResponding, StageClosed, true},
		{StageReasoning, StageFailed, true},
		{StageReceived, StageReasoning, false},
		{StageEnriching, StageClosed, false},
		{StageClosed, StageFailed, false},
		{StageFailed, StageReceived, false},
		{Stage("bogus"), StageFailed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidTransition(tt.from, tt.to), "%s → %s", tt.from, tt.to)
	}
}

func TestVerifyTrail(t *testing.T) {
	c := &Case{
		ID:    "case-1",
		Stage: StageClosed,
		Trail: []DecisionEntry{
			{Seq: 0, Stage: StageReceived, Next: StageExtracting},
			{Seq: 1, Stage: StageExtracting, Next: StageClosed},
		},
	}
	require.NoError(t, c.VerifyTrail())
	assert.Equal(t, []Stage{StageReceived, StageExtracting, StageClosed}, c.Path())

	c.Trail[1].Next = StageReasoning
	assert.Error(t, c.VerifyTrail())

	c.Trail[1].Next = StageClosed
	c.Stage = StageFailed
	assert.Error(t, c.VerifyTrail(), "trail must end at the current stage")

	empty := &Case{ID: "case-2", Stage: StageReceived}
	assert.NoError(t, empty.VerifyTrail())
}

func TestTierOrdering(t *testing.T) {
	assert.Equal(t, TierMid, TierCheap.Up())
	assert.Equal(t, TierTop, TierMid.Up())
	assert.Equal(t, TierTop, TierTop.Up())
	assert.Equal(t, TierMid, TierCheap.AtLeast(TierMid))
	assert.Equal(t, TierTop, TierTop.AtLeast(TierMid))
}

func TestIntakeMessageValidate(t *testing.T) {
	ok := &IntakeMessage{CaseID: "c1", TenantID: "t1", Severity: "High"}
	assert.NoError(t, ok.Validate())

	assert.Error(t, (&IntakeMessage{TenantID: "t1", Severity: "low"}).Validate())
	assert.Error(t, (&IntakeMessage{CaseID: "c1", Severity: "low"}).Validate())
	assert.Error(t, (&IntakeMessage{CaseID: "c1", TenantID: "t1", Severity: "urgent"}).Validate())
}
