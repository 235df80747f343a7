package sources

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/domain"
)

// Fetcher retrieves the latest items from a source. Implementations wrap the
// actual crawl transport (HTTP, RSS, exchange APIs); the poller only cares
// about the returned items.
type Fetcher interface {
	Fetch(ctx context.Context, source domain.Source) ([]domain.RawItem, error)
}

// Ingester receives fetched items. Implemented by the pipeline service.
type Ingester interface {
	Ingest(ctx context.Context, item domain.RawItem) (domain.IngestResult, error)
}

// Poller schedules per-source crawls using each source's cron expression.
// Sources are polled concurrently; one slow source never blocks another.
type Poller struct {
	repo     *Repository
	fetcher  Fetcher
	ingester Ingester
	cron     *cron.Cron
	entries  map[int64]cron.EntryID
	mu       sync.Mutex
	log      zerolog.Logger
}

// NewPoller creates a new source poller.
func NewPoller(repo *Repository, fetcher Fetcher, ingester Ingester, log zerolog.Logger) *Poller {
	return &Poller{
		repo:     repo,
		fetcher:  fetcher,
		ingester: ingester,
		cron:     cron.New(),
		entries:  make(map[int64]cron.EntryID),
		log:      log.With().Str("service", "poller").Logger(),
	}
}

// Start registers all enabled sources and starts the scheduler.
func (p *Poller) Start(ctx context.Context) error {
	srcs, err := p.repo.ListEnabled()
	if err != nil {
		return fmt.Errorf("failed to load sources for polling: %w", err)
	}

	for _, src := range srcs {
		if err := p.register(ctx, src); err != nil {
			p.log.Error().Err(err).Str("source", src.Slug).Msg("Failed to schedule source")
		}
	}

	p.cron.Start()
	p.log.Info().Int("sources", len(srcs)).Msg("Source poller started")
	return nil
}

// Stop stops the scheduler and waits for in-flight crawls to finish.
func (p *Poller) Stop() {
	stopCtx := p.cron.Stop()
	<-stopCtx.Done()
	p.log.Info().Msg("Source poller stopped")
}

func (p *Poller) register(ctx context.Context, src domain.Source) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.entries[src.ID]; ok {
		p.cron.Remove(id)
	}

	source := src // capture
	entryID, err := p.cron.AddFunc(src.FetchSchedule, func() {
		p.Poll(ctx, source)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule source %s (%q): %w", src.Slug, src.FetchSchedule, err)
	}
	p.entries[src.ID] = entryID
	return nil
}

// Poll runs one crawl of a source: fetch, ingest each item, record stats.
// Exposed for manual triggering via the API.
func (p *Poller) Poll(ctx context.Context, src domain.Source) {
	runID, err := p.repo.StartCrawlRun(src.ID)
	if err != nil {
		p.log.Error().Err(err).Str("source", src.Slug).Msg("Failed to start crawl run")
		return
	}

	run := CrawlRun{ID: runID, SourceID: src.ID, Status: "completed"}

	items, err := p.fetcher.Fetch(ctx, src)
	if err != nil {
		// Transient fetch failure: the next scheduled run retries.
		p.log.Warn().Err(err).Str("source", src.Slug).Msg("Source fetch failed")
		run.Status = "failed"
		if ferr := p.repo.FinishCrawlRun(run); ferr != nil {
			p.log.Error().Err(ferr).Msg("Failed to record failed crawl run")
		}
		return
	}

	run.ItemsFetched = len(items)
	for _, item := range items {
		result, err := p.ingester.Ingest(ctx, item)
		if err != nil {
			p.log.Error().Err(err).Str("source", src.Slug).Str("title", item.Title).Msg("Failed to ingest item")
			continue
		}
		if result.Disposition == domain.DispositionDuplicate {
			run.ItemsDuplicate++
			switch result.DuplicateLayer {
			case domain.LayerExactHash:
				run.DupExact++
			case domain.LayerCrossSourceHash:
				run.DupCrossSource++
			case domain.LayerFuzzyTitle:
				run.DupFuzzyTitle++
			case domain.LayerKeyPhrase:
				run.DupKeyPhrase++
			}
		} else {
			run.ItemsNew++
		}
	}

	if err := p.repo.FinishCrawlRun(run); err != nil {
		p.log.Error().Err(err).Msg("Failed to record crawl run")
	}
}
