package remote

import (
	"context"
	"fmt"
)

// PageFetcher fetches one page of a listing, 1-based
type PageFetcher func(ctx context.Context, page int) (*Page, error)

// FetchAllPages walks a paginated listing and hands each non-empty page to
// flush before fetching the next, so large listings are persisted
// incrementally. It stops after the last page or at the first empty page
// and returns the number of items seen.
func FetchAllPages(ctx context.Context, fetch PageFetcher, flush func([]Item) error) (int, error) {
	total := 0
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		resp, err := fetch(ctx, page)
		if err != nil {
			return total, fmt.Errorf("fetch page %d: %w", page, err)
		}
		if len(resp.Data) == 0 {
			return total, nil
		}

		if err := flush(resp.Data); err != nil {
			return total, fmt.Errorf("flush page %d: %w", page, err)
		}
		total += len(resp.Data)

		current := resp.Meta.CurrentPage
		if current == 0 {
			current = page
		}
		if current >= resp.Meta.LastPage {
			return total, nil
		}
	}
}
