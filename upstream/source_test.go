package upstream

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type mockSessionClient struct {
	mu       sync.Mutex
	listing  []PackageIdentity
	listErr  error
	fetchErr error
	queries  []RevisionQuery
	fetches  [][]PackageIdentity
}

func (m *mockSessionClient) ListRevisionIDs(_ context.Context, q RevisionQuery) ([]PackageIdentity, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, q)
	if m.listErr != nil {
		return nil, "", m.listErr
	}
	return m.listing, "anchor", nil
}

func (m *mockSessionClient) FetchMetadata(_ context.Context, ids []PackageIdentity, progress ProgressFunc, fn func(*Package) error) error {
	m.mu.Lock()
	m.fetches = append(m.fetches, append([]PackageIdentity(nil), ids...))
	fetchErr := m.fetchErr
	m.mu.Unlock()
	if fetchErr != nil {
		return fetchErr
	}
	for i, id := range ids {
		if err := fn(&Package{Identity: id, Kind: KindSoftwareUpdate}); err != nil {
			return err
		}
		if progress != nil && (i+1)%20 == 0 {
			progress(Progress{Current: i + 1, Total: len(ids)})
		}
	}
	if progress != nil && len(ids)%20 != 0 {
		progress(Progress{Current: len(ids), Total: len(ids)})
	}
	return nil
}

func collect(t *testing.T, s *Source, exclude map[uuid.UUID]struct{}) ([]PackageIdentity, []Progress) {
	t.Helper()
	var got []PackageIdentity
	var progress []Progress
	err := s.Each(context.Background(), exclude,
		func(p Progress) { progress = append(progress, p) },
		func(p *Package) error {
			got = append(got, p.Identity)
			return nil
		})
	require.NoError(t, err)
	return got, progress
}

func TestSource_DedupKeepsHighestRevision(t *testing.T) {
	x := uuid.New()
	y := uuid.New()
	m := &mockSessionClient{listing: []PackageIdentity{
		{ID: x, Revision: 3},
		{ID: y, Revision: 1},
		{ID: x, Revision: 5},
		{ID: x, Revision: 4},
	}}
	s := newSource(m, RevisionQuery{Config: true})

	got, _ := collect(t, s, nil)
	require.Equal(t, []PackageIdentity{{ID: x, Revision: 5}, {ID: y, Revision: 1}}, got)
	require.Len(t, m.fetches, 1)
}

func TestSource_ExcludesKnownAndBatchesByFifty(t *testing.T) {
	listing := identities(130)
	exclude := map[uuid.UUID]struct{}{}
	for _, id := range listing[:10] {
		exclude[id.ID] = struct{}{}
	}
	m := &mockSessionClient{listing: listing}
	s := newSource(m, RevisionQuery{Config: true})

	got, progress := collect(t, s, exclude)
	require.Equal(t, listing[10:], got)

	require.Len(t, m.fetches, 3)
	require.Len(t, m.fetches[0], 50)
	require.Len(t, m.fetches[1], 50)
	require.Len(t, m.fetches[2], 20)

	// Progress is rebased onto the whole remainder.
	require.Equal(t, Progress{Current: 20, Total: 120}, progress[0])
	require.Equal(t, Progress{Current: 120, Total: 120}, progress[len(progress)-1])
	for i := 1; i < len(progress); i++ {
		require.Greater(t, progress[i].Current, progress[i-1].Current)
	}
}

func TestSource_NothingRemainingEmitsZeroProgress(t *testing.T) {
	listing := identities(5)
	exclude := map[uuid.UUID]struct{}{}
	for _, id := range listing {
		exclude[id.ID] = struct{}{}
	}
	m := &mockSessionClient{listing: listing}
	s := newSource(m, RevisionQuery{Config: true})

	got, progress := collect(t, s, exclude)
	require.Empty(t, got)
	require.Equal(t, []Progress{{}}, progress)
	require.Empty(t, m.fetches)
}

func TestSource_ListsOncePerInstance(t *testing.T) {
	m := &mockSessionClient{listing: identities(3)}
	s := newSource(m, RevisionQuery{Config: true})

	collect(t, s, nil)
	collect(t, s, nil)
	require.Len(t, m.queries, 1)
	require.Equal(t, "anchor", s.Anchor())
}

func TestSource_UpdateFilterReachesListing(t *testing.T) {
	product := uuid.New()
	classification := uuid.New()
	srv, c := newFakeSyncServer(t, identities(2))

	s := NewUpdateSource(c, UpdateFilter{ProductIDs: []uuid.UUID{product}, ClassificationIDs: []uuid.UUID{classification}})
	got, _ := collect(t, s, nil)
	require.Len(t, got, 2)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.filters, 1)
	f := srv.filters[0]
	require.False(t, f.GetConfig)
	require.Equal(t, []idAndDeltaXML{{ID: product.String()}}, f.Categories)
	require.Equal(t, []idAndDeltaXML{{ID: classification.String()}}, f.Classifications)
}

func TestSource_BatchBoundaryAgainstServerLimit(t *testing.T) {
	listing := identities(120)
	srv, c := newFakeSyncServer(t, listing)

	s := NewCategorySource(c)
	got, progress := collect(t, s, nil)
	require.Len(t, got, 120)
	require.Equal(t, []int{50, 50, 20}, srv.BatchSizes())
	require.Equal(t, Progress{Current: 120, Total: 120}, progress[len(progress)-1])

	srv.mu.Lock()
	require.True(t, srv.filters[0].GetConfig)
	srv.mu.Unlock()
}

func TestSource_Failures(t *testing.T) {
	boom := errors.New("boom")

	s := newSource(&mockSessionClient{listErr: boom}, RevisionQuery{})
	err := s.Each(context.Background(), nil, nil, func(*Package) error { return nil })
	require.ErrorIs(t, err, boom)

	s = newSource(&mockSessionClient{listing: identities(3), fetchErr: boom}, RevisionQuery{})
	err = s.Each(context.Background(), nil, nil, func(*Package) error { return nil })
	require.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := &mockSessionClient{listing: identities(3)}
	s = newSource(m, RevisionQuery{})
	err = s.Each(ctx, nil, nil, func(*Package) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, m.fetches)
}
