package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestQuery_ListUpdates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	security := CategoryRef{ID: uuid.New(), Name: "Security Updates"}
	features := CategoryRef{ID: uuid.New(), Name: "Feature Packs"}
	win := ProductRef{ID: uuid.New(), Name: "Windows 11"}
	office := ProductRef{ID: uuid.New(), Name: "Office"}

	kb := &Update{ID: uuid.New(), Title: "Security Update (KB123456)", CreationDate: day(2023, 1, 1),
		Products: []ProductRef{win}, Classification: &security, ClassificationID: security.ID.String()}
	pack := &Update{ID: uuid.New(), Title: "Feature Pack", CreationDate: day(2023, 6, 1),
		Products: []ProductRef{office}, Classification: &features, ClassificationID: features.ID.String()}
	newer := &Update{ID: uuid.New(), Title: "Office Security Update (KB777)", CreationDate: day(2024, 1, 1),
		Products: []ProductRef{office, win}, Classification: &security, ClassificationID: security.ID.String()}
	for _, u := range []*Update{kb, pack, newer} {
		require.NoError(t, store.AddUpdate(ctx, u))
	}
	q := NewQuery(store, Selection{}, zap.NewNop())

	titles := func(us []Update) []string {
		out := make([]string, 0, len(us))
		for _, u := range us {
			out = append(out, u.Title)
		}
		return out
	}

	all, err := q.ListUpdates(ctx, UpdateFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{newer.Title, pack.Title, kb.Title}, titles(all))

	got, err := q.ListUpdates(ctx, UpdateFilter{Search: "kb"})
	require.NoError(t, err)
	require.Equal(t, []string{newer.Title, kb.Title}, titles(got))

	got, err = q.ListUpdates(ctx, UpdateFilter{ClassificationID: &security.ID, ProductID: &win.ID})
	require.NoError(t, err)
	require.Equal(t, []string{newer.Title, kb.Title}, titles(got))

	got, err = q.ListUpdates(ctx, UpdateFilter{ProductID: &office.ID, Search: "PACK"})
	require.NoError(t, err)
	require.Equal(t, []string{pack.Title}, titles(got))

	got, err = q.ListUpdates(ctx, UpdateFilter{ClassificationID: &features.ID, ProductID: &win.ID})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestQuery_Categories(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	security := &Category{ID: uuid.New(), Name: "Security Updates"}
	drivers := &Category{ID: uuid.New(), Name: "Drivers"}
	require.NoError(t, store.AddCategory(ctx, security))
	require.NoError(t, store.AddCategory(ctx, drivers))

	q := NewQuery(store, Selection{Categories: map[uuid.UUID]struct{}{security.ID: {}}}, nil)

	all, err := q.ListCategories(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "Drivers", all[0].Name)
	require.False(t, all[0].Enabled)
	require.True(t, all[1].Enabled)

	enabled, err := q.ListCategories(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	require.Equal(t, security.ID, enabled[0].ID)
}

func TestQuery_ProductTree(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	q := NewQuery(store, Selection{}, nil)

	tree, err := q.ProductTree(ctx, false)
	require.NoError(t, err)
	require.Nil(t, tree)

	products, enabled := cascadeFixture()
	for i := range products {
		require.NoError(t, store.AddProduct(ctx, &products[i]))
	}
	q = NewQuery(store, Selection{Products: enabled}, nil)

	var wg sync.WaitGroup
	trees := make([]*Product, 8)
	errs := make([]error, 8)
	for i := range trees {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			trees[i], errs[i] = q.ProductTree(ctx, false)
		}(i)
	}
	wg.Wait()
	for i := range trees {
		require.NoError(t, errs[i])
		require.Len(t, trees[i].Subproducts, 2)
	}

	pruned, err := q.ProductTree(ctx, true)
	require.NoError(t, err)
	require.Len(t, pruned.Subproducts, 1)
	require.Equal(t, "B", pruned.Subproducts[0].Name)
}

func TestQuery_UpdateAndSuperseding(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	q := NewQuery(store, Selection{}, nil)

	old := uuid.New()
	u := &Update{ID: uuid.New(), Title: "replacement", CreationDate: day(2023, 2, 1), SupersededUpdateIDs: []uuid.UUID{old}}
	require.NoError(t, store.AddUpdate(ctx, u))

	got, err := q.Update(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, "replacement", got.Title)

	sup, err := q.SupersedingUpdate(ctx, old)
	require.NoError(t, err)
	require.Equal(t, u.ID, sup.ID)

	_, err = q.Update(ctx, old)
	require.True(t, errors.Is(err, ErrNotFound))
	_, err = q.SupersedingUpdate(ctx, u.ID)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestQuery_ProductTreeIgnoresCallerCancel(t *testing.T) {
	store := newTestStore(t)
	products, enabled := cascadeFixture()
	for i := range products {
		require.NoError(t, store.AddProduct(context.Background(), &products[i]))
	}
	q := NewQuery(store, Selection{Products: enabled}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tree, err := q.ProductTree(ctx, false)
	require.NoError(t, err)
	require.Equal(t, "root", tree.Name)
}
