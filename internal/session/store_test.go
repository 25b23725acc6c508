package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/thebtf/agentlens/pkg/models"
)

const testSessionID = "9a7b3c1d-2e4f-4a6b-8c0d-1e2f3a4b5c6d"

func testStep(id int64, kind models.StepKind) models.NormalizedStep {
	return models.NormalizedStep{
		StepID:         id,
		SessionID:      testSessionID,
		Kind:           kind,
		Timestamp:      time.Date(2026, 8, 30, 10, 0, int(id), 0, time.UTC),
		ContentSummary: fmt.Sprintf("step %d", id),
	}
}

// StoreSuite is a test suite for the session state store.
type StoreSuite struct {
	suite.Suite
	store *Store
}

func (s *StoreSuite) SetupTest() {
	s.store = NewStore()
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

// TestGetOrCreate tests atomic creation of unseen sessions.
func (s *StoreSuite) TestGetOrCreate() {
	state := s.store.GetOrCreate(testSessionID)

	s.Equal(testSessionID, state.SessionID)
	s.Equal(models.SessionStatusRunning, state.Status)
	s.Equal(int64(0), state.StepCount)

	again := s.store.GetOrCreate(testSessionID)
	s.Equal(state, again)
}

// TestApplyStep tests step append, counts and activity tracking.
func (s *StoreSuite) TestApplyStep() {
	s.True(s.store.ApplyStep(testStep(1, models.StepKindUserMessage), false, false))

	call := testStep(2, models.StepKindToolCall)
	call.Status = models.StepStatusExecuting
	s.True(s.store.ApplyStep(call, false, false))

	state, ok := s.store.Session(testSessionID)
	s.Require().True(ok)
	s.Equal(int64(2), state.StepCount)
	s.Equal(int64(1), state.ToolCallCount)
	s.Equal(models.SessionStatusRunning, state.Status)
	s.Equal(call.Timestamp, state.LastActivityAt)
	s.Equal(testStep(1, models.StepKindUserMessage).Timestamp, state.StartedAt)
}

// TestApplyStepReplayNoOp tests that re-applying an already-seen step is a
// no-op, which makes restart-time replay safe.
func (s *StoreSuite) TestApplyStepReplayNoOp() {
	step := testStep(1, models.StepKindUserMessage)
	s.True(s.store.ApplyStep(step, false, false))
	s.False(s.store.ApplyStep(step, false, false))

	state, _ := s.store.Session(testSessionID)
	s.Equal(int64(1), state.StepCount)
}

// TestApplyStepUpdate tests tool status revision of an appended step.
func (s *StoreSuite) TestApplyStepUpdate() {
	call := testStep(1, models.StepKindToolCall)
	call.Status = models.StepStatusExecuting
	s.Require().True(s.store.ApplyStep(call, false, false))

	call.Status = models.StepStatusSuccess
	s.True(s.store.ApplyStep(call, true, false))
	// Same revision again is a no-op.
	s.False(s.store.ApplyStep(call, true, false))

	steps, total := s.store.Steps(testSessionID, 0, 10)
	s.Equal(int64(1), total)
	s.Require().Len(steps, 1)
	s.Equal(models.StepStatusSuccess, steps[0].Status)

	state, _ := s.store.Session(testSessionID)
	s.Equal(int64(1), state.StepCount)
}

// TestApplyStepOrphan tests orphan result accounting.
func (s *StoreSuite) TestApplyStepOrphan() {
	orphan := testStep(1, models.StepKindToolResult)
	orphan.Status = models.StepStatusSuccess
	s.True(s.store.ApplyStep(orphan, false, true))

	state, _ := s.store.Session(testSessionID)
	s.Equal(int64(1), state.OrphanResults)
}

// TestStatusMachine tests running -> terminal -> resume transitions.
func (s *StoreSuite) TestStatusMachine() {
	s.store.GetOrCreate(testSessionID)

	s.True(s.store.SetStatus(testSessionID, models.SessionStatusCompleted))
	s.False(s.store.SetStatus(testSessionID, models.SessionStatusCompleted))

	state, _ := s.store.Session(testSessionID)
	s.True(state.Terminal())

	// A resume record is the only way back to running.
	s.True(s.store.Resume(testSessionID))
	s.False(s.store.Resume(testSessionID))

	state, _ = s.store.Session(testSessionID)
	s.Equal(models.SessionStatusRunning, state.Status)
}

// TestSkippedAndOutOfSync tests the user-visible degradation counters.
func (s *StoreSuite) TestSkippedAndOutOfSync() {
	s.False(s.store.AddSkipped(testSessionID, 0))
	s.True(s.store.AddSkipped(testSessionID, 3))

	s.True(s.store.MarkOutOfSync(testSessionID))
	s.False(s.store.MarkOutOfSync(testSessionID))

	state, _ := s.store.Session(testSessionID)
	s.Equal(int64(3), state.SkippedLines)
	s.True(state.OutOfSync)

	s.True(s.store.ClearOutOfSync(testSessionID))
	state, _ = s.store.Session(testSessionID)
	s.False(state.OutOfSync)
}

// TestStepsPaging tests the paged step query.
func (s *StoreSuite) TestStepsPaging() {
	for i := int64(1); i <= 10; i++ {
		s.store.ApplyStep(testStep(i, models.StepKindUserMessage), false, false)
	}

	page, total := s.store.Steps(testSessionID, 3, 4)
	s.Equal(int64(10), total)
	s.Require().Len(page, 4)
	s.Equal(int64(4), page[0].StepID)
	s.Equal(int64(7), page[3].StepID)

	tail, _ := s.store.Steps(testSessionID, 8, 10)
	s.Len(tail, 2)

	beyond, _ := s.store.Steps(testSessionID, 50, 10)
	s.Empty(beyond)
}

// TestListFilter tests the injectable list filter policy.
func (s *StoreSuite) TestListFilter() {
	busy := "11111111-2222-4333-8444-555555555555"
	quiet := "66666666-7777-4888-9999-aaaaaaaaaaaa"

	for i := int64(1); i <= 5; i++ {
		step := testStep(i, models.StepKindUserMessage)
		step.SessionID = busy
		step.Timestamp = time.Now()
		s.store.ApplyStep(step, false, false)
	}
	one := testStep(1, models.StepKindUserMessage)
	one.SessionID = quiet
	one.Timestamp = time.Now().Add(-time.Hour)
	s.store.ApplyStep(one, false, false)

	all := s.store.List(Filter{})
	s.Len(all, 2)

	filtered := s.store.List(Filter{MinSteps: 2})
	s.Require().Len(filtered, 1)
	s.Equal(busy, filtered[0].SessionID)

	recent := s.store.List(Filter{ActiveWithin: 10 * time.Minute})
	s.Require().Len(recent, 1)
	s.Equal(busy, recent[0].SessionID)

	s.store.SetStatus(busy, models.SessionStatusCompleted)
	running := s.store.List(Filter{Statuses: []models.SessionStatus{models.SessionStatusRunning}})
	s.Require().Len(running, 1)
	s.Equal(quiet, running[0].SessionID)
}

// TestSnapshot tests that the full bundle is a consistent copy.
func (s *StoreSuite) TestSnapshot() {
	s.store.ApplyStep(testStep(1, models.StepKindUserMessage), false, false)
	s.store.ApplyStep(testStep(2, models.StepKindAssistantMessage), false, false)

	bundle := s.store.Snapshot()
	s.Require().Len(bundle.Sessions, 1)
	s.Require().Len(bundle.Steps[testSessionID], 2)
	s.Equal(1, bundle.Dashboard.SessionCount)
	s.Equal(int64(2), bundle.Dashboard.StepCount)

	// Mutating the store afterwards must not bleed into the snapshot.
	s.store.ApplyStep(testStep(3, models.StepKindUserMessage), false, false)
	s.Len(bundle.Steps[testSessionID], 2)
}

// TestRestore tests installing a recovered session snapshot.
func (s *StoreSuite) TestRestore() {
	state := models.SessionState{
		SessionID:    testSessionID,
		Status:       models.SessionStatusCompleted,
		StepCount:    2,
		SkippedLines: 1,
	}
	steps := []models.NormalizedStep{
		testStep(1, models.StepKindUserMessage),
		testStep(2, models.StepKindAssistantMessage),
	}
	s.store.Restore(state, steps)

	got, ok := s.store.Session(testSessionID)
	s.Require().True(ok)
	s.Equal(state, got)

	// Replaying the recovered steps is a no-op.
	s.False(s.store.ApplyStep(steps[1], false, false))
}

// TestDashboard tests the aggregate view.
func (s *StoreSuite) TestDashboard() {
	other := "deadbeef-dead-4eef-8ead-beefdeadbeef"
	s.store.ApplyStep(testStep(1, models.StepKindUserMessage), false, false)
	two := testStep(1, models.StepKindToolCall)
	two.SessionID = other
	s.store.ApplyStep(two, false, false)
	s.store.SetStatus(other, models.SessionStatusError)

	d := s.store.Dashboard()
	s.Equal(2, d.SessionCount)
	s.Equal(1, d.RunningCount)
	s.Equal(int64(2), d.StepCount)
	s.Equal(int64(1), d.ToolCallCount)
}
