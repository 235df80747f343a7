package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/domain"
)

// feedItem is the wire shape of one item in a JSON feed.
type feedItem struct {
	TargetID   int64  `json:"target_id"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	ObservedAt int64  `json:"observed_at"` // unix seconds, 0 = now
}

// HTTPFetcher pulls items from JSON feed endpoints.
type HTTPFetcher struct {
	client *http.Client
	log    zerolog.Logger
}

// NewHTTPFetcher creates a fetcher with a bounded request timeout.
func NewHTTPFetcher(timeout time.Duration, log zerolog.Logger) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{
		client: &http.Client{Timeout: timeout},
		log:    log.With().Str("client", "feed").Logger(),
	}
}

// Fetch downloads and decodes one source's feed.
func (f *HTTPFetcher) Fetch(ctx context.Context, src domain.Source) ([]domain.RawItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build feed request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed %s: %w", src.Slug, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed %s returned status %d", src.Slug, resp.StatusCode)
	}

	var items []feedItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("failed to decode feed %s: %w", src.Slug, err)
	}

	out := make([]domain.RawItem, 0, len(items))
	for _, it := range items {
		if it.Title == "" || it.TargetID == 0 {
			continue
		}
		observed := time.Now()
		if it.ObservedAt > 0 {
			observed = time.Unix(it.ObservedAt, 0)
		}
		out = append(out, domain.RawItem{
			SourceID:   src.ID,
			TargetID:   it.TargetID,
			Title:      it.Title,
			Body:       it.Body,
			ObservedAt: observed,
		})
	}
	return out, nil
}
