package delivery

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	kit "lmsbot/internal/transport"
)

// AdapterSender delivers rich text to a user's private chat through a
// transport adapter. Telegram private chat ids equal user ids.
type AdapterSender struct {
	out kit.Sender

	mu  sync.RWMutex
	lim *rate.Limiter
}

// NewAdapterSender throttles outgoing messages to ratePerSec (<=0 means a
// default of 20/s, under Telegram's global bot limit).
func NewAdapterSender(out kit.Sender, ratePerSec float64) *AdapterSender {
	s := &AdapterSender{out: out}
	s.SetRate(ratePerSec)
	return s
}

func (s *AdapterSender) SetRate(ratePerSec float64) {
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	s.mu.Lock()
	s.lim = rate.NewLimiter(rate.Limit(ratePerSec), 1)
	s.mu.Unlock()
}

func (s *AdapterSender) Send(ctx context.Context, userID int64, text string) error {
	s.mu.RLock()
	lim := s.lim
	s.mu.RUnlock()
	if err := lim.Wait(ctx); err != nil {
		return err
	}
	_, err := s.out.SendText(ctx, kit.ChatTarget{ChatID: userID}, text, &kit.SendOptions{
		ParseMode:      kit.ParseModeHTML,
		DisablePreview: true,
	})
	return err
}
