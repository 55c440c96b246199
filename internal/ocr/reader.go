package ocr

import (
	"context"
	"fmt"

	"case-pipeline/internal/backoff"
	"case-pipeline/internal/logger"
	"case-pipeline/internal/models"
	"case-pipeline/internal/telemetry"
)

// Extractor pulls text out of one attachment. The extraction provider and its
// content logic live behind this boundary.
type Extractor interface {
	Extract(ctx context.Context, att models.Attachment) (string, error)
}

// Extraction is the outcome for one attachment. Degraded marks a sentinel
// standing in for an attachment that failed every attempt.
type Extraction struct {
	Name     string
	Text     string
	Degraded bool
}

// SentinelFor is the placeholder recorded for a permanently unreadable
// attachment.
func SentinelFor(name string) string {
	return fmt.Sprintf("[unreadable attachment: %s]", name)
}

// Reader drives attachment extraction under the shared retry policy. A single
// unreadable attachment must not block the rest of a case: on exhausted
// attempts its text becomes a sentinel and processing continues.
type Reader struct {
	extractor Extractor
	policy    backoff.Policy
	log       *logger.Logger
}

func NewReader(extractor Extractor, policy backoff.Policy, log *logger.Logger) *Reader {
	return &Reader{
		extractor: extractor,
		policy:    policy,
		log:       log.With("component", "ocr"),
	}
}

// ExtractAll processes every attachment in order. It returns an error only
// when ctx is cancelled; extraction failures degrade to sentinels instead.
func (r *Reader) ExtractAll(ctx context.Context, attachments []models.Attachment) ([]Extraction, error) {
	out := make([]Extraction, 0, len(attachments))
	for _, att := range attachments {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		text, err := r.extractOne(ctx, att)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			r.log.Warn("attachment unreadable after all attempts, degrading", "attachment", att.Name, "error", err)
			telemetry.OCRSentinels.Inc()
			out = append(out, Extraction{Name: att.Name, Text: SentinelFor(att.Name), Degraded: true})
			continue
		}
		out = append(out, Extraction{Name: att.Name, Text: text})
	}
	return out, nil
}

func (r *Reader) extractOne(ctx context.Context, att models.Attachment) (string, error) {
	var text string
	err := backoff.Retry(ctx, r.policy, func(ctx context.Context, attempt int) error {
		t, err := r.extractor.Extract(ctx, att)
		if err != nil {
			return err
		}
		text = t
		return nil
	})
	return text, err
}
