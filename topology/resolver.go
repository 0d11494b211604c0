package topology

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/risa-org/hacore/retry"
)

// ErrDiscovery is returned when no node could be reached within the
// initial connect attempts.
var ErrDiscovery = errors.New("topology: no node reachable")

// Resolver picks the node for a client's first connection.
//
// Static resolvers cycle through a fixed list, starting each round one
// entry further along so clients spread over the list. Dynamic resolvers
// try the bootstrap connector and then every live connector the directory
// has learned.
type Resolver struct {
	static    []Connector
	bootstrap Connector
	dir       *Directory
	backoff   retry.Backoff
	logger    *zap.Logger

	mu   sync.Mutex
	next int
}

// NewStaticResolver resolves over a fixed connector list.
// backoff.Attempts is the number of rounds over the list.
func NewStaticResolver(connectors []Connector, backoff retry.Backoff) *Resolver {
	return &Resolver{
		static:  append([]Connector(nil), connectors...),
		backoff: backoff,
		logger:  zap.NewNop(),
	}
}

// NewDynamicResolver resolves through a bootstrap connector and the
// connectors announced into dir.
func NewDynamicResolver(bootstrap Connector, dir *Directory, backoff retry.Backoff) *Resolver {
	return &Resolver{
		bootstrap: bootstrap,
		dir:       dir,
		backoff:   backoff,
		logger:    zap.NewNop(),
	}
}

// WithLogger sets the logger.
func (r *Resolver) WithLogger(log *zap.Logger) {
	r.logger = log.With(zap.String("service", "resolver"))
}

// Candidates returns the connectors to try in one round, in order.
func (r *Resolver) Candidates() []Connector {
	if r.dir == nil {
		r.mu.Lock()
		start := r.next
		if len(r.static) > 0 {
			r.next = (r.next + 1) % len(r.static)
		}
		r.mu.Unlock()

		out := make([]Connector, 0, len(r.static))
		for i := range r.static {
			out = append(out, r.static[(start+i)%len(r.static)])
		}
		return out
	}

	out := []Connector{r.bootstrap}
	for _, c := range r.dir.LiveConnectors() {
		if c != r.bootstrap {
			out = append(out, c)
		}
	}
	return out
}

// ResolveInitial calls try on each candidate until one succeeds, for up
// to backoff.Attempts rounds, and returns the connector that worked.
func (r *Resolver) ResolveInitial(ctx context.Context, try func(context.Context, Connector) error) (Connector, error) {
	var found Connector
	err := r.backoff.Do(ctx, func(attempt int) error {
		var errs error
		for _, c := range r.Candidates() {
			if err := try(ctx, c); err != nil {
				r.logger.Debug("Initial connect failed",
					zap.Int("attempt", attempt),
					zap.String("connector", c.String()),
					zap.Error(err))
				errs = multierr.Append(errs, err)
				continue
			}
			found = c
			return nil
		}
		if errs == nil {
			errs = errors.New("no connectors configured")
		}
		return errs
	})
	if err != nil {
		return Connector{}, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
	return found, nil
}
