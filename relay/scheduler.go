// Package relay tails every shard of a change log and relays its records to
// the bus. The Scheduler owns one Tailer per live shard and hands a closed
// shard's lineage over to its children.
package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/shardrelay/changelog"
	"github.com/maxpert/shardrelay/cursor"
	"github.com/maxpert/shardrelay/shard"
	"github.com/maxpert/shardrelay/telemetry"
	"github.com/maxpert/shardrelay/translate"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRediscoverInterval   = time.Minute
	DefaultTopologyRetryInitial = 500 * time.Millisecond
	DefaultTopologyRetryMax     = 30 * time.Second
	DefaultRestartBackoff       = time.Second
	DefaultRestartBackoffMax    = time.Minute
)

// Config configures the Scheduler
type Config struct {
	Shards               *shard.Store
	Cursors              *cursor.Manager
	Translator           *translate.Translator
	Publisher            Publisher
	Tailer               TailerConfig
	RediscoverInterval   time.Duration // Periodic topology re-listing, negative disables
	TopologyRetryInitial time.Duration
	TopologyRetryMax     time.Duration
	RestartBackoff       time.Duration // Initial delay before restarting a failed tailer
	RestartBackoffMax    time.Duration
}

// Scheduler is the Relay Scheduler. A shard id is present in the tailer
// registry for as long as its tailer goroutine lives, including restarts, so
// no two tailers ever hold a cursor on the same shard.
type Scheduler struct {
	config  Config
	tailers *xsync.MapOf[string, *Tailer]
	drained *xsync.MapOf[string, bool]

	cancel      context.CancelFunc
	wg          sync.WaitGroup
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

var _ telemetry.StatsProvider = (*Scheduler)(nil)

// NewScheduler creates a scheduler
func NewScheduler(config Config) (*Scheduler, error) {
	if config.Shards == nil {
		return nil, fmt.Errorf("shard store is required")
	}
	if config.Cursors == nil {
		return nil, fmt.Errorf("cursor manager is required")
	}
	if config.Translator == nil {
		return nil, fmt.Errorf("translator is required")
	}
	if config.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}

	if config.RediscoverInterval == 0 {
		config.RediscoverInterval = DefaultRediscoverInterval
	}
	if config.TopologyRetryInitial <= 0 {
		config.TopologyRetryInitial = DefaultTopologyRetryInitial
	}
	if config.TopologyRetryMax <= 0 {
		config.TopologyRetryMax = DefaultTopologyRetryMax
	}
	if config.RestartBackoff <= 0 {
		config.RestartBackoff = DefaultRestartBackoff
	}
	if config.RestartBackoffMax <= 0 {
		config.RestartBackoffMax = DefaultRestartBackoffMax
	}
	config.Tailer = config.Tailer.withDefaults()

	return &Scheduler{
		config:  config,
		tailers: xsync.NewMapOf[string, *Tailer](),
		drained: xsync.NewMapOf[string, bool](),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start lists the topology and spawns tailers in the background. It returns
// immediately; topology errors are retried with backoff.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running.Load() {
		return fmt.Errorf("scheduler already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.doneCh = make(chan struct{})
	s.running.Store(true)

	log.Info().
		Str("log", s.config.Shards.LogID()).
		Dur("rediscover_interval", s.config.RediscoverInterval).
		Msg("Starting relay scheduler")

	s.wg.Add(1)
	go s.discoveryLoop(runCtx)

	go func() {
		s.wg.Wait()
		close(s.doneCh)
	}()
	return nil
}

// Stop signals every tailer and waits until each has finished its in-flight
// publish/checkpoint pair
func (s *Scheduler) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running.Swap(false) {
		return
	}

	log.Info().Int("tailers", s.tailers.Size()).Msg("Stopping relay scheduler")
	s.cancel()
	<-s.doneCh
	log.Info().Msg("Relay scheduler stopped")
}

// Done is closed once the scheduler and all its tailers have exited
func (s *Scheduler) Done() <-chan struct{} {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.doneCh
}

// Stats implements telemetry.StatsProvider
func (s *Scheduler) Stats() telemetry.RelayStats {
	return telemetry.RelayStats{
		ActiveTailers: s.tailers.Size(),
		KnownShards:   len(s.config.Shards.Known()),
		DrainedShards: s.drained.Size(),
	}
}

// Tailers returns a snapshot of every live tailer ordered by shard id
func (s *Scheduler) Tailers() []TailerStatus {
	out := make([]TailerStatus, 0, s.tailers.Size())
	s.tailers.Range(func(_ string, t *Tailer) bool {
		out = append(out, t.Status())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ShardID < out[j].ShardID })
	return out
}

// IsTailing reports whether a tailer currently owns shardID
func (s *Scheduler) IsTailing(shardID string) bool {
	_, ok := s.tailers.Load(shardID)
	return ok
}

func (s *Scheduler) discoveryLoop(ctx context.Context) {
	defer s.wg.Done()

	retry := newBackoff(s.config.TopologyRetryInitial, s.config.TopologyRetryMax)
	for {
		err := s.reconcile(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		delay := retry.Next()
		log.Warn().Err(err).Dur("retry_delay", delay).Msg("Topology unavailable, retrying")
		if !sleep(ctx, delay) {
			return
		}
	}

	if s.config.RediscoverInterval < 0 {
		return
	}

	ticker := time.NewTicker(s.config.RediscoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.reconcile(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("Topology rediscovery failed")
			}
		}
	}
}

// reconcile lists the topology and spawns a tailer for every shard that is
// neither tailed nor drained. A shard whose parent is still present and not
// drained is left for the parent's hand-off so order across a split holds.
func (s *Scheduler) reconcile(ctx context.Context) error {
	shards, err := s.config.Shards.ListShards(ctx)
	if err != nil {
		return err
	}

	present := make(map[string]bool, len(shards))
	for _, desc := range shards {
		present[desc.ID] = true
	}

	spawned := 0
	for _, desc := range shards {
		if s.IsTailing(desc.ID) {
			continue
		}
		drained, err := s.isDrained(ctx, desc.ID)
		if err != nil {
			return err
		}
		if drained {
			continue
		}

		fromLineage := false
		if desc.HasParent() {
			parentDrained, err := s.isDrained(ctx, desc.ParentID)
			if err != nil {
				return err
			}
			if present[desc.ParentID] && !parentDrained {
				log.Debug().
					Str("shard", desc.ID).
					Str("parent", desc.ParentID).
					Msg("Deferring shard until its parent drains")
				continue
			}
			fromLineage = parentDrained
		}

		if s.spawn(ctx, desc, fromLineage) {
			spawned++
		}
	}

	log.Debug().
		Int("shards", len(shards)).
		Int("spawned", spawned).
		Int("tailers", s.tailers.Size()).
		Msg("Topology reconciled")
	return nil
}

// isDrained consults the in-memory record first, then the checkpoint store
func (s *Scheduler) isDrained(ctx context.Context, shardID string) (bool, error) {
	if drained, ok := s.drained.Load(shardID); ok && drained {
		return true, nil
	}
	drained, err := s.config.Cursors.IsDrained(ctx, shardID)
	if err != nil {
		return false, fmt.Errorf("failed to read lineage record of %s: %w", shardID, err)
	}
	if drained {
		s.drained.Store(shardID, true)
	}
	return drained, nil
}

// spawn registers and starts a tailer unless one already owns the shard
func (s *Scheduler) spawn(ctx context.Context, desc changelog.ShardDescriptor, fromLineage bool) bool {
	if ctx.Err() != nil {
		return false
	}

	t, loaded := s.tailers.LoadOrCompute(desc.ID, func() *Tailer {
		return NewTailer(desc, fromLineage, s.config.Cursors, s.config.Translator, s.config.Publisher, s.config.Tailer)
	})
	if loaded {
		return false
	}

	log.Info().
		Str("shard", desc.ID).
		Str("parent", desc.ParentID).
		Bool("from_lineage", fromLineage).
		Bool("open", desc.IsOpen()).
		Msg("Spawning shard tailer")

	s.wg.Add(1)
	go s.supervise(ctx, t)
	return true
}

// supervise runs a tailer, restarting it with backoff after errors, and hands
// the lineage to the children once it closes
func (s *Scheduler) supervise(ctx context.Context, t *Tailer) {
	defer s.wg.Done()

	restart := newBackoff(s.config.RestartBackoff, s.config.RestartBackoffMax)
	for {
		err := t.Run(ctx)
		if err == nil {
			s.drained.Store(t.desc.ID, true)
			s.tailers.Delete(t.desc.ID)
			s.handOff(ctx, t.desc)
			return
		}
		if ctx.Err() != nil {
			s.tailers.Delete(t.desc.ID)
			return
		}

		delay := restart.Next()
		t.incRestarts()
		telemetry.TailerRestartsTotal.Inc()
		log.Error().
			Err(err).
			Str("shard", t.desc.ID).
			Dur("retry_delay", delay).
			Msg("Shard tailer failed, restarting")
		if !sleep(ctx, delay) {
			s.tailers.Delete(t.desc.ID)
			return
		}
	}
}

// handOff resolves the children of a closed shard and spawns their tailers
func (s *Scheduler) handOff(ctx context.Context, parent changelog.ShardDescriptor) {
	retry := newBackoff(s.config.TopologyRetryInitial, s.config.TopologyRetryMax)
	var children []changelog.ShardDescriptor
	for {
		var err error
		children, err = s.config.Shards.FindChildren(ctx, parent.ID)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		delay := retry.Next()
		log.Warn().
			Err(err).
			Str("shard", parent.ID).
			Dur("retry_delay", delay).
			Msg("Failed to resolve child shards, retrying")
		if !sleep(ctx, delay) {
			return
		}
	}

	if len(children) == 0 {
		log.Info().Str("shard", parent.ID).Msg("Shard closed without children, lineage ended")
		return
	}

	for _, child := range children {
		drained, err := s.isDrained(ctx, child.ID)
		if err != nil {
			// Rediscovery picks the child up later
			log.Warn().Err(err).Str("shard", child.ID).Msg("Deferring child shard")
			continue
		}
		if drained {
			continue
		}
		s.spawn(ctx, child, true)
	}
}
