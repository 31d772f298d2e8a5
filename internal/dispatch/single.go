package dispatch

import (
	"context"
	"fmt"

	"github.com/LeventeLantos/whatsapp-dispatcher/internal/model"
)

// SendSingle sends one message right away, outside the batch state machine.
// A gateway failure is reported in the outcome, not as an error.
func (c *Controller) SendSingle(ctx context.Context, id string) (model.SendOutcome, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return model.SendOutcome{}, ErrBusy
	}
	defer c.busy.Store(false)

	msgs, err := c.store.GetMessages(ctx, []string{id})
	if err != nil {
		return model.SendOutcome{}, fmt.Errorf("load message %s: %w", id, err)
	}

	var msg model.QueuedMessage
	found := false
	for _, m := range msgs {
		if m.ID == id {
			msg, found = m, true
			break
		}
	}
	if !found {
		messagesProcessedCounter.WithLabelValues(modeSingle, outcomeNotFound).Inc()
		return model.SendOutcome{}, ErrMessageNotFound
	}

	if err := c.persist(ctx, id, model.SendingUpdate(msg.Attempts+1)); err != nil {
		return model.SendOutcome{}, fmt.Errorf("mark message %s sending: %w", id, err)
	}

	remoteID, sendErr := c.send(ctx, modeSingle, msg)
	now := c.opts.Now()

	if sendErr != nil {
		out := model.SendOutcome{ID: id, Status: model.Failed, Error: sendErr.Error()}
		messagesProcessedCounter.WithLabelValues(modeSingle, outcomeFailed).Inc()
		c.log.Warn("single send failed", "message_id", id, "err", out.Error)
		if err := c.persistOutcome(ctx, id, model.FailedUpdate(out.Error, now)); err != nil {
			return out, fmt.Errorf("mark message %s failed: %w", id, err)
		}
		return out, nil
	}

	out := model.SendOutcome{ID: id, Status: model.Sent, RemoteMessageID: remoteID}
	messagesProcessedCounter.WithLabelValues(modeSingle, outcomeSent).Inc()
	if err := c.persistOutcome(ctx, id, model.SentUpdate(now)); err != nil {
		return out, fmt.Errorf("mark message %s sent: %w", id, err)
	}
	c.recordRemoteID(ctx, id, remoteID, now)

	c.log.Info("single message sent", "message_id", id, "remote_id", remoteID)
	return out, nil
}

// DispatchResult holds either the single-send outcome or the update stream
// of a started batch run.
type DispatchResult struct {
	Outcome *model.SendOutcome
	Updates <-chan model.RunState
}

// Dispatch sends one selected message directly and starts a batch run for
// two or more.
func (c *Controller) Dispatch(ctx context.Context, ids []string, conf Confirmation) (DispatchResult, error) {
	switch len(ids) {
	case 0:
		return DispatchResult{}, ErrEmptySelection
	case 1:
		out, err := c.SendSingle(ctx, ids[0])
		if err != nil && out.ID == "" {
			return DispatchResult{}, err
		}
		return DispatchResult{Outcome: &out}, err
	default:
		updates, err := c.RunBatch(ctx, ids, conf)
		if err != nil {
			return DispatchResult{}, err
		}
		return DispatchResult{Updates: updates}, nil
	}
}
