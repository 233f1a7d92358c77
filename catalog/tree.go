package catalog

import (
	"bytes"
	"strings"

	"github.com/google/uuid"
)

// latestProducts keeps the highest revision of every product id, in the
// position the id first appeared.
func latestProducts(products []Product) []Product {
	index := make(map[uuid.UUID]int, len(products))
	out := make([]Product, 0, len(products))
	for _, p := range products {
		if i, ok := index[p.ID]; ok {
			if p.Revision > out[i].Revision {
				out[i] = p
			}
			continue
		}
		index[p.ID] = len(out)
		out = append(out, p)
	}
	return out
}

// BuildProductTree arranges products under the single product that has no
// parent category. A product hangs under the product named by its first
// parent id. Enabled on every node is the effective value: set in enabled,
// or having an enabled descendant. The root itself is never explicitly
// enabled. BuildProductTree returns nil when no root exists.
func BuildProductTree(products []Product, enabled map[uuid.UUID]struct{}) *Product {
	latest := latestProducts(products)

	var root *Product
	children := make(map[uuid.UUID][]Product)
	for _, p := range latest {
		if len(p.ParentCategoryIDs) == 0 {
			if root == nil || bytes.Compare(p.ID[:], root.ID[:]) < 0 {
				r := p
				root = &r
			}
			continue
		}
		parent, err := uuid.Parse(strings.TrimSpace(p.ParentCategoryIDs[0]))
		if err != nil {
			continue
		}
		children[parent] = append(children[parent], p)
	}
	if root == nil {
		return nil
	}

	tree := copyNode(*root, false)
	visited := map[uuid.UUID]bool{tree.ID: true}
	attachChildren(tree, children, enabled, visited)
	applyCascade(tree)
	return tree
}

func attachChildren(parent *Product, children map[uuid.UUID][]Product, enabled map[uuid.UUID]struct{}, visited map[uuid.UUID]bool) {
	for _, c := range children[parent.ID] {
		if visited[c.ID] {
			continue
		}
		visited[c.ID] = true
		_, on := enabled[c.ID]
		node := copyNode(c, on)
		attachChildren(node, children, enabled, visited)
		parent.Subproducts = append(parent.Subproducts, node)
	}
}

func copyNode(p Product, enabled bool) *Product {
	return &Product{
		ID:                p.ID,
		Revision:          p.Revision,
		Name:              p.Name,
		ParentCategoryIDs: p.ParentCategoryIDs,
		Enabled:           enabled,
		Subproducts:       []*Product{},
	}
}

// applyCascade sets Enabled to true on every node with an enabled
// descendant and reports the node's resulting value.
func applyCascade(p *Product) bool {
	descendant := false
	for _, c := range p.Subproducts {
		if applyCascade(c) {
			descendant = true
		}
	}
	if descendant {
		p.Enabled = true
	}
	return p.Enabled
}

// PruneDisabled returns a copy of the tree without disabled subtrees.
func PruneDisabled(root *Product) *Product {
	if root == nil {
		return nil
	}
	out := *root
	out.Subproducts = make([]*Product, 0, len(root.Subproducts))
	for _, c := range root.Subproducts {
		if !c.Enabled {
			continue
		}
		out.Subproducts = append(out.Subproducts, PruneDisabled(c))
	}
	return &out
}
