// Package pagination turns Link-paginated REST listings into lazy item
// streams.
//
// A listing is requested page by page as the caller consumes it: the
// first page is fetched on the first call to Next, and the next page only
// once the items of the previous one are used up. The rel="next" link of
// each response is followed verbatim, so filters and page size chosen for
// the first request carry over without being re-applied.
//
// Example usage:
//
//	req, _ := c.NewRequest(ctx, http.MethodGet, "/repos/octocat/hello-world/pulls/1/files", nil)
//	files := pagination.List[File](c, req, pagination.ListOptions{PerPage: 100}, nil)
//	for file, err := range files.All(ctx) {
//		if err != nil {
//			return err
//		}
//		fmt.Println(file.Filename)
//	}
//
// Pages go through whatever Doer the stream was built with. Pass a
// *client.Client to get conditional-request caching: a listing read twice
// costs full responses only for pages that changed.
//
// CollectAll drains several listings with a bounded worker pool.
package pagination
