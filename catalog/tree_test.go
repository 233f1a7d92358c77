package catalog

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// shape is a comparable projection of a product tree.
type shape struct {
	Name    string
	Enabled bool
	Kids    []shape
}

func shapeOf(p *Product) shape {
	s := shape{Name: p.Name, Enabled: p.Enabled}
	for _, c := range p.Subproducts {
		s.Kids = append(s.Kids, shapeOf(c))
	}
	return s
}

func product(id uuid.UUID, rev int, name string, parents ...uuid.UUID) Product {
	raw := make([]string, 0, len(parents))
	for _, p := range parents {
		raw = append(raw, p.String())
	}
	return Product{ID: id, Revision: rev, Name: name, ParentCategoryIDs: raw}
}

func cascadeFixture() ([]Product, map[uuid.UUID]struct{}) {
	root, a, b, c := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	products := []Product{
		product(root, 1, "root"),
		product(a, 1, "A", root),
		product(b, 1, "B", root),
		product(c, 1, "C", b),
	}
	return products, map[uuid.UUID]struct{}{c: {}}
}

func TestBuildProductTree_Cascade(t *testing.T) {
	products, enabled := cascadeFixture()
	tree := BuildProductTree(products, enabled)
	require.NotNil(t, tree)

	want := shape{Name: "root", Enabled: true, Kids: []shape{
		{Name: "A", Enabled: false},
		{Name: "B", Enabled: true, Kids: []shape{{Name: "C", Enabled: true}}},
	}}
	if diff := cmp.Diff(want, shapeOf(tree)); diff != "" {
		t.Fatalf("tree mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildProductTree_RootNeverExplicitlyEnabled(t *testing.T) {
	root := uuid.New()
	tree := BuildProductTree([]Product{product(root, 1, "root")}, map[uuid.UUID]struct{}{root: {}})
	require.NotNil(t, tree)
	require.False(t, tree.Enabled)
	require.Empty(t, tree.Subproducts)
}

func TestPruneDisabled(t *testing.T) {
	products, enabled := cascadeFixture()
	tree := BuildProductTree(products, enabled)

	pruned := PruneDisabled(tree)
	want := shape{Name: "root", Enabled: true, Kids: []shape{
		{Name: "B", Enabled: true, Kids: []shape{{Name: "C", Enabled: true}}},
	}}
	if diff := cmp.Diff(want, shapeOf(pruned)); diff != "" {
		t.Fatalf("pruned tree mismatch (-want +got):\n%s", diff)
	}
	// the input tree is left intact
	require.Len(t, tree.Subproducts, 2)

	require.Nil(t, PruneDisabled(nil))
}

func TestBuildProductTree_UsesHighestRevision(t *testing.T) {
	root, other, x := uuid.New(), uuid.New(), uuid.New()
	products := []Product{
		product(root, 1, "root"),
		product(other, 1, "Other", root),
		product(x, 3, "X old", root),
		product(x, 5, "X new", other),
	}
	tree := BuildProductTree(products, nil)

	want := shape{Name: "root", Kids: []shape{
		{Name: "Other", Kids: []shape{{Name: "X new"}}},
	}}
	if diff := cmp.Diff(want, shapeOf(tree)); diff != "" {
		t.Fatalf("tree mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildProductTree_MatchesOnFirstParentOnly(t *testing.T) {
	root, a, b := uuid.New(), uuid.New(), uuid.New()
	products := []Product{
		product(root, 1, "root"),
		product(a, 1, "A", root),
		product(b, 1, "B", a, root),
	}
	tree := BuildProductTree(products, map[uuid.UUID]struct{}{b: {}})

	want := shape{Name: "root", Enabled: true, Kids: []shape{
		{Name: "A", Enabled: true, Kids: []shape{{Name: "B", Enabled: true}}},
	}}
	if diff := cmp.Diff(want, shapeOf(tree)); diff != "" {
		t.Fatalf("tree mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildProductTree_NoRoot(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	require.Nil(t, BuildProductTree(nil, nil))
	require.Nil(t, BuildProductTree([]Product{product(a, 1, "A", b), product(b, 1, "B", a)}, nil))
}

func TestBuildProductTree_LowestRootWins(t *testing.T) {
	low := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	high := uuid.MustParse("ffffffff-0000-0000-0000-000000000001")
	tree := BuildProductTree([]Product{product(high, 1, "high"), product(low, 1, "low")}, nil)
	require.Equal(t, "low", tree.Name)
}

func TestBuildProductTree_DropsUnreachableProducts(t *testing.T) {
	root, a, b, orphan := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	products := []Product{
		product(root, 1, "root"),
		product(a, 1, "A", b),
		product(b, 1, "B", a),
		product(orphan, 1, "orphan", uuid.New()),
		{ID: uuid.New(), Revision: 1, Name: "bad parent", ParentCategoryIDs: []string{"not-a-guid"}},
	}
	tree := BuildProductTree(products, nil)
	require.Equal(t, "root", tree.Name)
	require.Empty(t, tree.Subproducts)
}
