package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/MyDira/Hadirot-sub006/clock"
	"github.com/MyDira/Hadirot-sub006/models"
	"github.com/MyDira/Hadirot-sub006/storage"
)

// SweeperService times out conversations whose deadline passed without a
// usable reply. It never sends messages.
type SweeperService struct {
	convs ConversationStore
	clock clock.Clock
}

func NewSweeperService(convs ConversationStore, clk clock.Clock) *SweeperService {
	return &SweeperService{convs: convs, clock: clk}
}

func (s *SweeperService) Run(ctx context.Context) (*models.SweepSummary, error) {
	now := s.clock.Now()
	summary := &models.SweepSummary{Timestamp: now}

	expired, err := s.convs.ListExpiredOpen(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list expired conversations: %w", err)
	}
	summary.ExpiredFound = len(expired)

	for _, c := range expired {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		err := s.convs.UpdateState(ctx, models.StateUpdate{
			ID:     c.ID,
			From:   []models.ConversationState{c.State},
			To:     models.StateTimeout,
			Action: models.ActionPtr(models.ActionTimeout),
			At:     now,
		})
		if errors.Is(err, storage.ErrStateConflict) {
			continue
		}
		if err != nil {
			log.Printf("Warning: time out conversation %s: %v", c.ID, err)
			continue
		}
		summary.UpdatedCount++
	}

	if summary.ExpiredFound > 0 {
		log.Printf("Sweeper: %d expired, %d timed out", summary.ExpiredFound, summary.UpdatedCount)
	}
	return summary, nil
}
