package ocr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"case-pipeline/internal/backoff"
	"case-pipeline/internal/logger"
	"case-pipeline/internal/models"
)

type scriptedExtractor struct {
	mu    sync.Mutex
	fails map[string]int // failures remaining per attachment name
	calls map[string]int
}

func (s *scriptedExtractor) Extract(ctx context.Context, att models.Attachment) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[att.Name]++
	if s.fails[att.Name] > 0 {
		s.fails[att.Name]--
		return "", statusError(503)
	}
	return "text of " + att.Name, nil
}

func policy() backoff.Policy {
	return backoff.Policy{Base: time.Millisecond, Cap: 2 * time.Millisecond, MaxAttempts: 3}
}

func TestExtractAllHappyPath(t *testing.T) {
	ex := &scriptedExtractor{}
	r := NewReader(ex, policy(), logger.NewNop())

	out, err := r.ExtractAll(context.Background(), []models.Attachment{
		{Name: "a.pdf"}, {Name: "b.pdf"},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "text of a.pdf", out[0].Text)
	require.False(t, out[0].Degraded)
}

func TestUnreadableAttachmentDegradesToSentinel(t *testing.T) {
	ex := &scriptedExtractor{fails: map[string]int{"broken.pdf": 99}}
	r := NewReader(ex, policy(), logger.NewNop())

	out, err := r.ExtractAll(context.Background(), []models.Attachment{
		{Name: "good.pdf"}, {Name: "broken.pdf"}, {Name: "also-good.pdf"},
	})
	require.NoError(t, err, "one bad attachment must not fail the batch")
	require.Len(t, out, 3, "processing continues past the failure")

	require.Equal(t, SentinelFor("broken.pdf"), out[1].Text)
	require.True(t, out[1].Degraded)
	require.Equal(t, 3, ex.calls["broken.pdf"], "attempts are bounded")
	require.False(t, out[2].Degraded)
}

func TestTransientFailureRecoversWithinAttempts(t *testing.T) {
	ex := &scriptedExtractor{fails: map[string]int{"flaky.pdf": 2}}
	r := NewReader(ex, policy(), logger.NewNop())

	out, err := r.ExtractAll(context.Background(), []models.Attachment{{Name: "flaky.pdf"}})
	require.NoError(t, err)
	require.False(t, out[0].Degraded)
	require.Equal(t, 3, ex.calls["flaky.pdf"])
}

func TestExtractAllStopsOnCancellation(t *testing.T) {
	ex := &scriptedExtractor{}
	r := NewReader(ex, policy(), logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.ExtractAll(ctx, []models.Attachment{{Name: "a.pdf"}})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, ex.calls["a.pdf"])
}
