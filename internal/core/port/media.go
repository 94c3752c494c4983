package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// MediaHandle is an owned local stream. Release stops every track and may be
// called more than once.
type MediaHandle interface {
	domain.Stream
	Release()
}

type MediaAcquirer interface {
	// Acquire may block on a permission prompt. When ctx ends first the
	// eventual grant is released by the acquirer.
	Acquire(ctx context.Context, callType domain.CallType) (MediaHandle, error)
}
