package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/thebtf/agentlens/pkg/models"
)

const testSessionID = "3b9f1a2c-7d4e-4b8a-9c6d-0e1f2a3b4c5d"

func testStep(id int64, status models.StepStatus) models.NormalizedStep {
	return models.NormalizedStep{
		StepID:         id,
		SessionID:      testSessionID,
		Kind:           models.StepKindToolCall,
		Timestamp:      time.Date(2026, 8, 30, 12, 0, int(id), 0, time.UTC),
		ContentSummary: "Bash",
		ToolName:       "Bash",
		ToolCallID:     "toolu_1",
		Status:         status,
	}
}

// PersistSuite is a test suite for the durable persistence layer.
type PersistSuite struct {
	suite.Suite
	root  string
	store *Store
}

func (s *PersistSuite) SetupTest() {
	var err error
	s.root, err = os.MkdirTemp("", "persist-test-*")
	s.Require().NoError(err)
	s.store, err = NewStore(s.root)
	s.Require().NoError(err)
}

func (s *PersistSuite) TearDownTest() {
	s.store.Close()
	os.RemoveAll(s.root)
}

func TestPersistSuite(t *testing.T) {
	suite.Run(t, new(PersistSuite))
}

func (s *PersistSuite) meta(stepCount int64, cursor int64) Meta {
	return Meta{
		State: models.SessionState{
			SessionID: testSessionID,
			Status:    models.SessionStatusRunning,
			StepCount: stepCount,
		},
		Cursor:         cursor,
		TranscriptPath: "/tmp/" + testSessionID + ".jsonl",
	}
}

// TestAppendAndRecover tests the append-log round trip.
func (s *PersistSuite) TestAppendAndRecover() {
	s.Require().NoError(s.store.AppendStep(testStep(1, models.StepStatusExecuting)))
	step2 := testStep(2, "")
	step2.Kind = models.StepKindUserMessage
	step2.ToolName = ""
	step2.ToolCallID = ""
	s.Require().NoError(s.store.AppendStep(step2))
	s.Require().NoError(s.store.WriteMeta(testSessionID, s.meta(2, 321)))

	recovered, err := s.store.Recover()
	s.Require().NoError(err)
	s.Require().Contains(recovered, testSessionID)

	rec := recovered[testSessionID]
	s.Equal(int64(321), rec.Meta.Cursor)
	s.Require().Len(rec.Steps, 2)
	s.Equal(int64(1), rec.Steps[0].StepID)
	s.Equal(int64(2), rec.Steps[1].StepID)
}

// TestStatusRevisionKeepsLastRecord tests that a re-appended step id wins
// on recovery, so status transitions survive without rewriting the log.
func (s *PersistSuite) TestStatusRevisionKeepsLastRecord() {
	s.Require().NoError(s.store.AppendStep(testStep(1, models.StepStatusExecuting)))
	s.Require().NoError(s.store.AppendStep(testStep(1, models.StepStatusSuccess)))
	s.Require().NoError(s.store.WriteMeta(testSessionID, s.meta(1, 100)))

	recovered, err := s.store.Recover()
	s.Require().NoError(err)
	rec := recovered[testSessionID]
	s.Require().Len(rec.Steps, 1)
	s.Equal(models.StepStatusSuccess, rec.Steps[0].Status)
}

// TestMetaAtomicRewrite tests that WriteMeta leaves no temp files behind
// and the latest write wins.
func (s *PersistSuite) TestMetaAtomicRewrite() {
	s.Require().NoError(s.store.WriteMeta(testSessionID, s.meta(0, 10)))
	s.Require().NoError(s.store.WriteMeta(testSessionID, s.meta(0, 20)))

	meta, err := s.store.ReadMeta(testSessionID)
	s.Require().NoError(err)
	s.Equal(int64(20), meta.Cursor)

	entries, err := os.ReadDir(filepath.Join(s.root, testSessionID))
	s.Require().NoError(err)
	s.Len(entries, 1)
	s.Equal("meta.json", entries[0].Name())
}

// TestRecoverSkipsCorruptLog tests that a corrupt step log drops the
// session from recovery so its transcript is re-parsed instead.
func (s *PersistSuite) TestRecoverSkipsCorruptLog() {
	s.Require().NoError(s.store.AppendStep(testStep(1, models.StepStatusExecuting)))
	s.Require().NoError(s.store.WriteMeta(testSessionID, s.meta(1, 50)))

	logPath := filepath.Join(s.root, testSessionID, "steps.jsonl")
	s.Require().NoError(os.WriteFile(logPath, []byte("{not json}\n"), 0o644))

	recovered, err := s.store.Recover()
	s.Require().NoError(err)
	s.NotContains(recovered, testSessionID)
}

// TestRecoverSkipsCountMismatch tests that a log disagreeing with its meta
// is treated as corrupt.
func (s *PersistSuite) TestRecoverSkipsCountMismatch() {
	s.Require().NoError(s.store.AppendStep(testStep(1, models.StepStatusExecuting)))
	s.Require().NoError(s.store.WriteMeta(testSessionID, s.meta(3, 50)))

	recovered, err := s.store.Recover()
	s.Require().NoError(err)
	s.NotContains(recovered, testSessionID)
}

// TestRecoverToleratesPartialTrailingLine tests that a crash mid-append
// does not invalidate the log.
func (s *PersistSuite) TestRecoverToleratesPartialTrailingLine() {
	s.Require().NoError(s.store.AppendStep(testStep(1, models.StepStatusSuccess)))
	s.Require().NoError(s.store.WriteMeta(testSessionID, s.meta(1, 50)))
	s.store.Close()

	logPath := filepath.Join(s.root, testSessionID, "steps.jsonl")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	s.Require().NoError(err)
	_, err = f.WriteString(`{"step_id":2,"session`)
	s.Require().NoError(err)
	s.Require().NoError(f.Close())

	store, err := NewStore(s.root)
	s.Require().NoError(err)
	defer store.Close()

	recovered, err := store.Recover()
	s.Require().NoError(err)
	s.Require().Contains(recovered, testSessionID)
	s.Len(recovered[testSessionID].Steps, 1)
}

// TestRecoverSkipsMissingMeta tests that a session directory without meta
// is unusable.
func (s *PersistSuite) TestRecoverSkipsMissingMeta() {
	s.Require().NoError(s.store.AppendStep(testStep(1, models.StepStatusExecuting)))

	recovered, err := s.store.Recover()
	s.Require().NoError(err)
	s.NotContains(recovered, testSessionID)
}

// TestOpenLogHandlesBounded tests that cached step-log handles stay capped
// however many sessions accumulate, and that an evicted session's log
// reopens and keeps appending.
func (s *PersistSuite) TestOpenLogHandlesBounded() {
	sessionID := func(i int) string {
		return fmt.Sprintf("%08x-0000-4000-8000-000000000000", i)
	}

	for i := 0; i < maxOpenLogs+10; i++ {
		step := testStep(1, models.StepStatusSuccess)
		step.SessionID = sessionID(i)
		s.Require().NoError(s.store.AppendStep(step))
		s.Require().NoError(s.store.WriteMeta(step.SessionID, Meta{
			State: models.SessionState{
				SessionID: step.SessionID,
				Status:    models.SessionStatusRunning,
				StepCount: 1,
			},
		}))
	}
	s.LessOrEqual(len(s.store.logs), maxOpenLogs)

	// Session 0 was evicted; appending to it reopens the log.
	second := testStep(2, models.StepStatusSuccess)
	second.SessionID = sessionID(0)
	s.Require().NoError(s.store.AppendStep(second))
	s.Require().NoError(s.store.WriteMeta(second.SessionID, Meta{
		State: models.SessionState{
			SessionID: second.SessionID,
			Status:    models.SessionStatusRunning,
			StepCount: 2,
		},
	}))

	recovered, err := s.store.Recover()
	s.Require().NoError(err)
	s.Len(recovered, maxOpenLogs+10)
	s.Len(recovered[sessionID(0)].Steps, 2)
}

// TestRecoverEmptyRoot tests recovery over a fresh store.
func (s *PersistSuite) TestRecoverEmptyRoot() {
	recovered, err := s.store.Recover()
	s.Require().NoError(err)
	s.Empty(recovered)
}
