package service

import (
	"context"

	"github.com/roach88/acksync/internal/queue"
)

// QueueHandler replays queued acknowledgments through w. The missing-target
// window is measured from the item's enqueue time.
func QueueHandler(w AckWriter) queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, item queue.Item) (queue.Outcome, error) {
		res, err := w.WriteSince(ctx, item.Payload, item.EnqueuedAt)
		if err != nil {
			return queue.Outcome{}, err
		}
		return queue.Outcome{
			Acknowledged: res.Acknowledged(),
			Pending:      res.Pending(),
			Failed:       res.Failed(),
			Tier:         res.Tier,
			FallbackUsed: res.FallbackUsed,
			Err:          res.Err(),
		}, nil
	})
}
