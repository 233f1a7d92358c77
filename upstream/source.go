package upstream

import (
	"context"

	"github.com/google/uuid"
)

// listingBatchSize bounds how many identities a source hands to one
// FetchMetadata call, independent of the server's own request limit.
const listingBatchSize = 50

// sessionClient is the part of *Client a Source drives.
type sessionClient interface {
	ListRevisionIDs(ctx context.Context, q RevisionQuery) ([]PackageIdentity, string, error)
	FetchMetadata(ctx context.Context, ids []PackageIdentity, progress ProgressFunc, fn func(*Package) error) error
}

// Source enumerates remote packages of one kind and fetches the ones the
// caller does not already have. The remote listing is made once per Source.
type Source struct {
	client sessionClient
	query  RevisionQuery

	listed []PackageIdentity
	anchor string
	ready  bool
}

// NewCategorySource lists configuration entries: classifications, products
// and detectoids.
func NewCategorySource(c *Client) *Source {
	return newSource(c, RevisionQuery{Config: true})
}

// NewUpdateSource lists updates belonging to the given products and
// classifications.
func NewUpdateSource(c *Client, filter UpdateFilter) *Source {
	return newSource(c, RevisionQuery{Filter: filter})
}

func newSource(c sessionClient, q RevisionQuery) *Source {
	return &Source{client: c, query: q}
}

// Identities returns the deduplicated remote listing, fetching it on first use.
// When an id is listed with several revisions only the highest is kept.
func (s *Source) Identities(ctx context.Context) ([]PackageIdentity, error) {
	if s.ready {
		return s.listed, nil
	}
	ids, anchor, err := s.client.ListRevisionIDs(ctx, s.query)
	if err != nil {
		return nil, err
	}
	s.listed = dedupIdentities(ids)
	s.anchor = anchor
	s.ready = true
	return s.listed, nil
}

// Anchor is the anchor returned with the listing; empty before Identities.
func (s *Source) Anchor() string {
	return s.anchor
}

// Each fetches every listed package whose id is not in exclude and passes it
// to fn in listing order. When nothing remains a single zero Progress is
// reported. An error from fn stops iteration and is returned unchanged.
func (s *Source) Each(ctx context.Context, exclude map[uuid.UUID]struct{}, progress ProgressFunc, fn func(*Package) error) error {
	ids, err := s.Identities(ctx)
	if err != nil {
		return err
	}
	remaining := make([]PackageIdentity, 0, len(ids))
	for _, id := range ids {
		if _, ok := exclude[id.ID]; ok {
			continue
		}
		remaining = append(remaining, id)
	}
	if progress == nil {
		progress = func(Progress) {}
	}
	if len(remaining) == 0 {
		progress(Progress{})
		return nil
	}

	total := len(remaining)
	for start := 0; start < total; start += listingBatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+listingBatchSize, total)
		base := start
		rebased := func(p Progress) {
			progress(Progress{Current: base + p.Current, Total: total})
		}
		if err := s.client.FetchMetadata(ctx, remaining[start:end], rebased, fn); err != nil {
			return err
		}
	}
	return nil
}

func dedupIdentities(ids []PackageIdentity) []PackageIdentity {
	index := make(map[uuid.UUID]int, len(ids))
	out := make([]PackageIdentity, 0, len(ids))
	for _, id := range ids {
		if i, ok := index[id.ID]; ok {
			if id.Revision > out[i].Revision {
				out[i] = id
			}
			continue
		}
		index[id.ID] = len(out)
		out = append(out, id)
	}
	return out
}
