package ops

import (
	"context"
	"fmt"
	"time"

	"github.com/hpungsan/consult/internal/errors"
)

// PurgeInput contains parameters for the Purge operation.
type PurgeInput struct {
	OlderThanDays *int // optional, only purge if last activity < (now - N days)
}

// PurgeOutput contains the result of the Purge operation.
type PurgeOutput struct {
	Purged  int    `json:"purged"`
	Message string `json:"message"`
}

// Purge permanently deletes ended conversations with their history and
// summaries. Active conversations are never purged.
func (c *Core) Purge(ctx context.Context, input PurgeInput) (out *PurgeOutput, err error) {
	defer c.observe("purge", time.Now(), &err)

	var olderThan time.Duration
	if input.OlderThanDays != nil {
		if *input.OlderThanDays < 0 {
			return nil, errors.NewInvalidRequest("older_than_days must not be negative")
		}
		olderThan = time.Duration(*input.OlderThanDays) * 24 * time.Hour
	}

	count, err := c.Tracker.PurgeEnded(ctx, olderThan)
	if err != nil {
		return nil, err
	}
	return &PurgeOutput{
		Purged:  count,
		Message: formatPurgeMessage(count, input.OlderThanDays),
	}, nil
}

func formatPurgeMessage(count int, olderThanDays *int) string {
	if count == 0 {
		return "No ended conversations to purge"
	}

	word := "conversation"
	if count > 1 {
		word = "conversations"
	}
	msg := fmt.Sprintf("Permanently deleted %d ended %s", count, word)
	if olderThanDays != nil {
		msg += fmt.Sprintf(" (inactive for more than %d days)", *olderThanDays)
	}
	return msg
}
