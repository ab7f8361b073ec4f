package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callkit/internal/domain"
	"github.com/dkeye/callkit/internal/storage"
)

const storeTimeout = 2 * time.Second

// ResumeController makes reconnection idempotent: the last known call id
// is read at attach, written at join and cleared at destroy. A stale id
// is never special-cased here; the server's join response decides.
type ResumeController struct {
	store storage.CallStore
}

func NewResumeController(store storage.CallStore) *ResumeController {
	if store == nil {
		store = storage.NewMemoryStore()
	}
	return &ResumeController{store: store}
}

// AttachID returns the persisted call id, or "" for a fresh call.
func (r *ResumeController) AttachID(ctx context.Context) domain.CallID {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	id, err := r.store.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.resume").Msg("load call id failed, dialing fresh")
		return ""
	}
	return domain.CallID(id)
}

func (r *ResumeController) Joined(id domain.CallID) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.Save(ctx, string(id)); err != nil {
		log.Warn().Err(err).Str("module", "app.resume").Str("call_id", string(id)).Msg("persist call id failed")
	}
}

func (r *ResumeController) Destroyed() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.Clear(ctx); err != nil {
		log.Warn().Err(err).Str("module", "app.resume").Msg("clear call id failed")
	}
}
