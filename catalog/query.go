package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// UpdateFilter narrows ListUpdates. Nil ids and an empty Search do not
// constrain the result.
type UpdateFilter struct {
	ClassificationID *uuid.UUID
	ProductID        *uuid.UUID
	Search           string
}

// Query answers read requests against the store. Enabled flags are derived
// from the configured Selection at query time.
type Query struct {
	store     *Store
	selection Selection
	logger    *zap.Logger

	treeGroup singleflight.Group
}

func NewQuery(store *Store, selection Selection, logger *zap.Logger) *Query {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Query{store: store, selection: selection, logger: logger.Named("query")}
}

func (q *Query) ListCategories(ctx context.Context, enabledOnly bool) ([]Category, error) {
	all, err := q.store.Categories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	out := make([]Category, 0, len(all))
	for _, c := range all {
		c.Enabled = q.selection.CategoryEnabled(c.ID)
		if enabledOnly && !c.Enabled {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// ProductTree returns the product hierarchy, or nil when no root product
// has been stored yet. The returned tree is shared and must not be modified.
func (q *Query) ProductTree(ctx context.Context, enabledOnly bool) (*Product, error) {
	key := "all"
	if enabledOnly {
		key = "enabled"
	}
	// shared builds outlive any single caller
	buildCtx := context.WithoutCancel(ctx)
	v, err, shared := q.treeGroup.Do(key, func() (any, error) {
		products, err := q.store.Products(buildCtx)
		if err != nil {
			return nil, err
		}
		tree := BuildProductTree(products, q.selection.Products)
		if enabledOnly {
			tree = PruneDisabled(tree)
		}
		return tree, nil
	})
	if err != nil {
		return nil, fmt.Errorf("build product tree: %w", err)
	}
	tree, ok := v.(*Product)
	if !ok {
		return nil, fmt.Errorf("unexpected type from tree group: got %T", v)
	}
	if shared {
		q.logger.Debug("shared product tree build", zap.String("view", key))
	}
	return tree, nil
}

// ListUpdates returns updates newest first. The classification constraint is
// applied by the store; product and title search are applied here.
func (q *Query) ListUpdates(ctx context.Context, f UpdateFilter) ([]Update, error) {
	all, err := q.store.Updates(ctx, f.ClassificationID)
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	search := strings.ToLower(strings.TrimSpace(f.Search))
	out := make([]Update, 0, len(all))
	for _, u := range all {
		if f.ProductID != nil && !hasProduct(u, *f.ProductID) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(u.Title), search) {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func hasProduct(u Update, id uuid.UUID) bool {
	for _, p := range u.Products {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Update returns ErrNotFound when id is unknown.
func (q *Query) Update(ctx context.Context, id uuid.UUID) (*Update, error) {
	return q.store.Update(ctx, id)
}

// SupersedingUpdate returns the newest update listing id as superseded, or
// ErrNotFound. Upstream supersession data is incomplete, so a miss does not
// mean id is current.
func (q *Query) SupersedingUpdate(ctx context.Context, id uuid.UUID) (*Update, error) {
	return q.store.SupersedingUpdate(ctx, id)
}
