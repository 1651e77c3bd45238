package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/repository"
)

const presenceWriteTimeout = 5 * time.Second

// presenceTracker persists online state in the background. Broadcasts never
// wait on it and write failures are only logged.
type presenceTracker struct {
	users  repository.UserRepository
	logger zerolog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

func newPresenceTracker(users repository.UserRepository, logger zerolog.Logger) *presenceTracker {
	return &presenceTracker{
		users:  users,
		logger: logger.With().Str("component", "chat_presence").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (p *presenceTracker) markOnline(userID uint) {
	p.persist(userID, true)
}

func (p *presenceTracker) markOffline(userID uint) {
	p.persist(userID, false)
}

func (p *presenceTracker) persist(userID uint, online bool) {
	if p.users == nil {
		return
	}
	seen := p.now()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), presenceWriteTimeout)
		defer cancel()

		if err := p.users.UpdatePresence(ctx, userID, online, seen); err != nil {
			p.logger.Warn().Err(err).Uint("user_id", userID).Bool("online", online).Msg("failed to persist presence")
		}
	}()
}

// wait blocks until pending writes finish or ctx ends.
func (p *presenceTracker) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
