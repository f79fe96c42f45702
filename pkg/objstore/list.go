package objstore

import (
	"context"
	"sort"
	"strings"
	"time"
)

// ListOptions configures a delimiter listing operation.
//
// Delimiter listing returns:
//   - Objects directly under Prefix (no nested delimiter in the remainder)
//   - CommonPrefixes (immediate child prefixes)
//
// An empty Delimiter lists every object under Prefix.
type ListOptions struct {
	// Prefix filters results to keys starting with this value.
	Prefix string

	// Delimiter groups keys (e.g., "/").
	Delimiter string

	// ContinuationToken resumes listing from a previous ListResult.
	ContinuationToken string

	// MaxKeys limits the number of keys returned per page.
	// Zero uses the implementation default (1000).
	MaxKeys int
}

// ObjectSummary contains basic metadata returned from list operations.
type ObjectSummary struct {
	Key          string
	Size         int64
	Generation   Generation
	LastModified time.Time
}

// ListResult contains a page of results from a delimiter listing.
type ListResult struct {
	// Objects are object summaries directly under the requested Prefix.
	Objects []ObjectSummary

	// CommonPrefixes are the immediate child prefixes.
	CommonPrefixes []string

	// ContinuationToken is used to retrieve the next page.
	ContinuationToken string

	// IsTruncated indicates whether more results are available.
	IsTruncated bool
}

// ListAll drains every page of a listing.
func ListAll(ctx context.Context, s Store, opts ListOptions) (*ListResult, error) {
	all := &ListResult{}
	for {
		page, err := s.ListWithDelimiter(ctx, opts)
		if err != nil {
			return nil, err
		}
		all.Objects = append(all.Objects, page.Objects...)
		all.CommonPrefixes = append(all.CommonPrefixes, page.CommonPrefixes...)
		if !page.IsTruncated || page.ContinuationToken == "" {
			return all, nil
		}
		opts.ContinuationToken = page.ContinuationToken
	}
}

// Paginate applies delimiter grouping and paging to a full set of summaries.
//
// Stores without native delimiter listing (file, memory) build their result
// through Paginate so every implementation pages identically. The
// continuation token is the last key or prefix returned.
func Paginate(objects []ObjectSummary, opts ListOptions) *ListResult {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	type entry struct {
		name   string
		prefix bool
		obj    ObjectSummary
	}

	seen := make(map[string]struct{})
	var entries []entry
	for _, o := range objects {
		if !strings.HasPrefix(o.Key, opts.Prefix) {
			continue
		}
		if opts.Delimiter != "" {
			rest := o.Key[len(opts.Prefix):]
			if i := strings.Index(rest, opts.Delimiter); i >= 0 {
				p := opts.Prefix + rest[:i+len(opts.Delimiter)]
				if _, ok := seen[p]; !ok {
					seen[p] = struct{}{}
					entries = append(entries, entry{name: p, prefix: true})
				}
				continue
			}
		}
		entries = append(entries, entry{name: o.Key, obj: o})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	start := 0
	if opts.ContinuationToken != "" {
		start = sort.Search(len(entries), func(i int) bool { return entries[i].name > opts.ContinuationToken })
	}
	end := start + maxKeys
	if end > len(entries) {
		end = len(entries)
	}

	res := &ListResult{}
	for _, e := range entries[start:end] {
		if e.prefix {
			res.CommonPrefixes = append(res.CommonPrefixes, e.name)
		} else {
			res.Objects = append(res.Objects, e.obj)
		}
	}
	if end < len(entries) {
		res.IsTruncated = true
		res.ContinuationToken = entries[end-1].name
	}
	return res
}
