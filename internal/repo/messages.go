package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/whatsapp-dispatcher/internal/model"
)

var ErrMessageNotFound = errors.New("message not found")

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

type MessageStore interface {
	// ListMessages returns one page (1-based) ordered by creation time,
	// newest first, together with the total number of stored messages.
	ListMessages(ctx context.Context, page, pageSize int) ([]model.QueuedMessage, int, error)
	GetMessages(ctx context.Context, ids []string) ([]model.QueuedMessage, error)
	UpdateMessage(ctx context.Context, id string, upd model.MessageUpdate) error
	// FailStale marks messages left in the sending state since before the
	// given instant as failed.
	FailStale(ctx context.Context, before time.Time, reason string) (int64, error)
}

func normalizePage(page, pageSize int) (limit, offset int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return pageSize, (page - 1) * pageSize
}
