// Package pagination walks cursor-paginated post listings from newest to oldest.
//
// The posts service returns pages newest first with an opaque next cursor.
// A Walker follows the cursor one page at a time, hands every non-empty page
// to a visitor and stops when the listing is exhausted or the pages fall
// behind a lookback horizon.
//
// Example usage:
//
//	w, err := pagination.NewWalker(postsClient, pagination.DefaultConfig(), logger)
//	result, err := w.Walk(ctx, "alice", func(ctx context.Context, page record.Page) error {
//	    return upsertAll(ctx, page.Records)
//	})
//
// The walker:
//   - Fetches one page per step; requests go through the fetcher's rate limiter
//   - Waits a fixed inter-page delay between steps
//   - Stops with a Reason: empty page, horizon reached or no next cursor
//   - Returns fetch and visitor errors unchanged, with the progress so far
//
// Walking is sequential. The cursor of page N+1 is only known after page N.
package pagination
