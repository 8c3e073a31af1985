package geo

// Simplify reduces points with Douglas-Peucker using a tolerance in meters.
// The result is an ordered subsequence of points that always keeps both
// endpoints. Inputs of two points or fewer are returned unchanged.
func Simplify(points []Point, tolerance float64) []Point {
	if len(points) <= 2 {
		return points
	}
	idx := SimplifyIndices(points, tolerance)
	out := make([]Point, len(idx))
	for i, k := range idx {
		out[i] = points[k]
	}
	return out
}

// SimplifyIndices is Simplify returning the retained input indices in
// ascending order. Callers use it to carry per-point data, such as time
// offsets, alongside the simplified track.
func SimplifyIndices(points []Point, tolerance float64) []int {
	n := len(points)
	if n <= 2 {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	if tolerance < 0 {
		tolerance = 0
	}

	keep := make([]bool, n)
	keep[0], keep[n-1] = true, true

	// explicit stack; recursion depth on long tracks is unbounded
	stack := [][2]int{{0, n - 1}}
	for len(stack) > 0 {
		span := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		first, last := span[0], span[1]
		if last-first < 2 {
			continue
		}

		maxDist := -1.0
		split := -1
		for i := first + 1; i < last; i++ {
			if d := SegmentDistance(points[i], points[first], points[last]); d > maxDist {
				maxDist = d
				split = i
			}
		}
		if split > 0 && maxDist > tolerance {
			keep[split] = true
			stack = append(stack, [2]int{first, split}, [2]int{split, last})
		}
	}

	idx := make([]int, 0, n)
	for i, k := range keep {
		if k {
			idx = append(idx, i)
		}
	}
	return idx
}
