package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/igoryan-dao/pitstop/internal/contacts"
)

// Contacts resolves an owner's bindings.
type Contacts interface {
	Lookup(owner string) []contacts.Binding
}

// Blobs opens artifact bytes by reference.
type Blobs interface {
	Open(ref string) ([]byte, error)
}

// Router fans a message out to every sink the owner is bound on. Prompts and
// terminal messages wait for the owner's rate limit; info messages over the
// limit are dropped.
type Router struct {
	contacts Contacts
	blobs    Blobs
	log      zerolog.Logger

	mu       sync.Mutex
	sinks    map[contacts.Channel]Sink
	limiters map[string]*rate.Limiter
	perMin   int
}

// NewRouter returns a Router allowing perMinute messages per owner (0 = unlimited).
func NewRouter(c Contacts, blobs Blobs, perMinute int, logger zerolog.Logger) *Router {
	return &Router{
		contacts: c,
		blobs:    blobs,
		log:      logger.With().Str("component", "notify").Logger(),
		sinks:    make(map[contacts.Channel]Sink),
		limiters: make(map[string]*rate.Limiter),
		perMin:   perMinute,
	}
}

// Register adds or replaces the sink for its channel.
func (r *Router) Register(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[s.Channel()] = s
}

func (r *Router) Notify(ctx context.Context, owner string, msg Message) error {
	bindings := r.contacts.Lookup(owner)
	if len(bindings) == 0 {
		r.log.Warn().Str("owner", owner).Str("session_id", msg.SessionID).Str("kind", string(msg.Kind)).Msg("no contact for owner, message dropped")
		return fmt.Errorf("%w: %s", contacts.ErrNoContact, owner)
	}

	lim := r.limiter(owner)
	if lim != nil {
		if msg.Kind == KindInfo {
			if !lim.Allow() {
				r.log.Debug().Str("owner", owner).Msg("info message rate limited")
				return nil
			}
		} else if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	if msg.ArtifactRef != "" && msg.Image == nil && r.blobs != nil {
		data, err := r.blobs.Open(msg.ArtifactRef)
		if err != nil {
			r.log.Warn().Err(err).Str("ref", msg.ArtifactRef).Msg("artifact unreadable, sending text only")
		} else {
			msg.Image = data
			if msg.ImageName == "" {
				msg.ImageName = string(msg.Kind) + ".png"
			}
		}
	}

	var errs []error
	sent := 0
	for _, b := range bindings {
		r.mu.Lock()
		sink, ok := r.sinks[b.Channel]
		r.mu.Unlock()
		if !ok {
			continue
		}
		if err := sink.Send(ctx, b.Address, msg); err != nil {
			r.log.Error().Err(err).Str("owner", owner).Str("channel", string(b.Channel)).Str("session_id", msg.SessionID).Msg("sink failed")
			errs = append(errs, fmt.Errorf("%s: %w", b.Channel, err))
			continue
		}
		sent++
	}
	if sent == 0 && len(errs) == 0 {
		return fmt.Errorf("%w: no registered sink for %s", contacts.ErrNoContact, owner)
	}
	if sent > 0 {
		return nil
	}
	return errors.Join(errs...)
}

func (r *Router) limiter(owner string) *rate.Limiter {
	if r.perMin <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[owner]
	if !ok {
		burst := r.perMin / 4
		if burst < 3 {
			burst = 3
		}
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(r.perMin)), burst)
		r.limiters[owner] = lim
	}
	return lim
}
