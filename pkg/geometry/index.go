package geometry

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"neurosource/internal/models"
)

// Node is a point tagged with its position in the indexed slice
type Node struct {
	models.Vec3
	ID int
}

// Compare implements the kdtree.Comparable interface
func (p Node) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(Node)
	return p.Vec3[d] - q.Vec3[d]
}

// Dims returns the number of dimensions for the KD-tree
func (p Node) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two nodes
func (p Node) Distance(c kdtree.Comparable) float64 {
	q := c.(Node)
	d := p.Vec3.Sub(q.Vec3)
	return d.Dot(d)
}

// Nodes is a collection of Node that satisfies kdtree.Interface
type Nodes []Node

func (p Nodes) Index(i int) kdtree.Comparable         { return p[i] }
func (p Nodes) Len() int                              { return len(p) }
func (p Nodes) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p Nodes) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(nodePlane{Nodes: p, Dim: d}, kdtree.MedianOfRandoms(nodePlane{Nodes: p, Dim: d}, 100))
}

// nodePlane implements sort.Interface and kdtree.SortSlicer for Nodes
type nodePlane struct {
	Nodes
	kdtree.Dim
}

func (p nodePlane) Less(i, j int) bool { return p.Nodes[i].Vec3[p.Dim] < p.Nodes[j].Vec3[p.Dim] }

func (p nodePlane) Slice(start, end int) kdtree.SortSlicer {
	return nodePlane{Nodes: p.Nodes[start:end], Dim: p.Dim}
}

func (p nodePlane) Swap(i, j int) { p.Nodes[i], p.Nodes[j] = p.Nodes[j], p.Nodes[i] }

// Index answers nearest-point queries over a fixed point set, e.g. source
// locations for localization error or surface vertices for electrode snapping
type Index struct {
	tree *kdtree.Tree
	n    int
}

// NewIndex builds a kd-tree over points. The slice is not retained.
func NewIndex(points []models.Vec3) *Index {
	nodes := make(Nodes, len(points))
	for i, p := range points {
		nodes[i] = Node{Vec3: p, ID: i}
	}
	return &Index{tree: kdtree.New(nodes, false), n: len(points)}
}

// Len returns the number of indexed points
func (ix *Index) Len() int { return ix.n }

// Nearest returns the index of the point closest to q and its distance
func (ix *Index) Nearest(q models.Vec3) (int, float64) {
	if ix.n == 0 {
		return -1, math.Inf(1)
	}
	c, d2 := ix.tree.Nearest(Node{Vec3: q})
	return c.(Node).ID, math.Sqrt(d2)
}

// NearestK returns up to k closest point indices, nearest first
func (ix *Index) NearestK(q models.Vec3, k int) []int {
	if k <= 0 || ix.n == 0 {
		return nil
	}
	keep := kdtree.NewNKeeper(k)
	ix.tree.NearestSet(keep, Node{Vec3: q})
	found := make([]kdtree.ComparableDist, 0, keep.Len())
	for _, cd := range keep.Heap {
		if cd.Comparable != nil {
			found = append(found, cd)
		}
	}
	// the keeper is a max-heap
	sort.Slice(found, func(i, j int) bool { return found[i].Dist < found[j].Dist })
	out := make([]int, len(found))
	for i, cd := range found {
		out[i] = cd.Comparable.(Node).ID
	}
	return out
}
