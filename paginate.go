package esi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// paginator expands a single logical request into a GET multi-page fetch or
// a POST multi-chunk fetch, merging the results into one Response (spec
// §4.5).
type paginator struct {
	cfg   Config
	retry *retryLoop
}

func newPaginator(cfg Config, retry *retryLoop) *paginator {
	return &paginator{cfg: cfg, retry: retry}
}

// fetchGET retrieves page 1 directly, then — if x-pages names more than one
// page — waits and re-requests page 1 when its cache entry expires within
// the anti-split budget, and fetches the remaining pages concurrently,
// merging all of them (spec §4.5 steps 1-5).
func (p *paginator) fetchGET(ctx context.Context, path string, opts RequestOptions) (Response, error) {
	page1Opts := opts
	page1Opts.Query = withPage(opts.Query, 1)
	page1Opts.PreviousResponse = previousPage(opts.PreviousResponse, 1)

	first, err := p.retry.run(ctx, path, page1Opts)
	if err != nil {
		return Response{}, err
	}

	pages := pagesFromHeader(first.Headers)
	if pages <= 1 {
		return first, nil
	}

	// Anti-page-split delay (spec §4.5 step 3): only sleep, and only for
	// expires_in, when the page's cache entry is about to regenerate
	// before the fan-out's own anti-split budget would have elapsed; then
	// re-request page 1 so the merge starts from a freshly-minted cache
	// generation and re-read x-pages in case the page count itself
	// changed underneath.
	if delay, ok := antiSplitDelay(first.Headers, p.cfg.PageSplitDelay(pages)); ok {
		if !waitOrDone(ctx, delay) {
			return Response{}, fmt.Errorf("esi: %w", ctx.Err())
		}
		first, err = p.retry.run(ctx, path, page1Opts)
		if err != nil {
			return Response{}, err
		}
		pages = pagesFromHeader(first.Headers)
		if pages <= 1 {
			return first, nil
		}
	}

	responses := make([]Response, pages)
	responses[0] = first

	g, gctx := errgroup.WithContext(ctx)
	for page := 2; page <= pages; page++ {
		page := page
		g.Go(func() error {
			pageOpts := opts
			pageOpts.Query = withPage(opts.Query, page)
			pageOpts.PreviousResponse = previousPage(opts.PreviousResponse, page)
			resp, err := p.retry.run(gctx, path, pageOpts)
			if err != nil {
				return err
			}
			responses[page-1] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Response{}, NewPaginationError(err, collected(responses))
	}

	merged, err := mergeResponses(responses)
	if IsPageSplitError(err) {
		p.cfg.Metrics.incPageSplit()
	}
	return merged, err
}

// fetchPOST splits opts.Body (an array) into chunks of opts.BodyPageSize
// and fetches each chunk concurrently as its own POST, merging the results.
// Per spec §4.6 Open Question (a), the merged Response's overall Status
// reflects chunk 1 only; its Headers are the intersection across all
// chunks, as for GET.
func (p *paginator) fetchPOST(ctx context.Context, path string, opts RequestOptions, items []any) (Response, error) {
	chunks := chunkSlice(items, opts.BodyPageSize)
	if len(chunks) == 0 {
		chunks = [][]any{{}}
	}

	responses := make([]Response, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			chunkOpts := opts
			chunkOpts.Body = chunk
			chunkOpts.BodyPageSize = 0
			chunkOpts.PreviousResponse = previousPage(opts.PreviousResponse, i+1)
			resp, err := p.retry.run(gctx, path, chunkOpts)
			if err != nil {
				return err
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Response{}, NewPaginationError(err, collected(responses))
	}

	merged, err := mergeResponses(responses)
	if IsPageSplitError(err) {
		p.cfg.Metrics.incPageSplit()
	}
	return merged, err
}

// mergeResponses concatenates each sub-Response's Data (each must be a
// []any) in page order, uses page 1's Status, and uses the header
// intersection across all pages — detecting a page split when that
// intersection no longer carries "expires" (spec §4.5 step 5).
func mergeResponses(responses []Response) (Response, error) {
	merged := Response{
		Status:    responses[0].Status,
		Headers:   commonHeaders(responses),
		Responses: responses,
	}

	if _, ok := merged.Headers.Get("expires"); !ok {
		return Response{}, NewPageSplitError(responses)
	}

	var data []any
	for _, r := range responses {
		items, ok := r.Data.([]any)
		if !ok {
			return Response{}, NewResponseFormatError(r, fmt.Errorf("paginated response page was not a JSON array"))
		}
		data = append(data, items...)
	}
	merged.Data = data
	return merged, nil
}

// collected returns the sub-Responses that had already completed before an
// errgroup member failed (the zero Response's Status is 0, which a real
// exchange never produces).
func collected(responses []Response) []Response {
	out := make([]Response, 0, len(responses))
	for _, r := range responses {
		if r.Status != 0 {
			out = append(out, r)
		}
	}
	return out
}

func withPage(query map[string]string, page int) map[string]string {
	out := make(map[string]string, len(query)+1)
	for k, v := range query {
		out[k] = v
	}
	out["page"] = fmt.Sprintf("%d", page)
	return out
}

// previousPage returns the positional previous_response sub-Response for
// page (1-indexed), or nil if prev is nil or page is out of range (spec
// §4.6 Open Question (b): out-of-range pages are treated as absent). A
// non-paginated prev (a single exchange's Response, or a fetch that never
// grew past one page) stands in for page 1 only.
func previousPage(prev *Response, page int) *Response {
	if prev == nil {
		return nil
	}
	if !prev.IsPaginated() {
		if page == 1 {
			return prev
		}
		return nil
	}
	idx := page - 1
	if idx < 0 || idx >= len(prev.Responses) {
		return nil
	}
	return &prev.Responses[idx]
}

// antiSplitDelay computes spec §4.5 step 3's expires_in = expires − date +
// 1000ms from a page-1 response's headers, returning it (and true) only
// when it is under budget — the signal that the page's cache entry is
// close enough to regenerating that the fan-out should wait for a fresh
// one first. Missing or unparseable expires/date headers disable the
// check entirely (there is nothing to compute it from) rather than
// falling back to sleeping the full budget.
func antiSplitDelay(h Headers, budget time.Duration) (time.Duration, bool) {
	expiresStr, ok := h.Get("expires")
	if !ok {
		return 0, false
	}
	dateStr, ok := h.Get("date")
	if !ok {
		return 0, false
	}
	expires, err := http.ParseTime(expiresStr)
	if err != nil {
		return 0, false
	}
	date, err := http.ParseTime(dateStr)
	if err != nil {
		return 0, false
	}
	expiresIn := expires.Sub(date) + time.Second
	if expiresIn < 0 {
		expiresIn = 0
	}
	if expiresIn < budget {
		return expiresIn, true
	}
	return 0, false
}

func pagesFromHeader(h Headers) int {
	v, ok := h.Get("x-pages")
	if !ok {
		return 1
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n < 1 {
		return 1
	}
	return n
}

func chunkSlice(items []any, size int) [][]any {
	if size <= 0 {
		return [][]any{items}
	}
	var chunks [][]any
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[i:end])
	}
	return chunks
}
