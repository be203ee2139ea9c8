package decomposer

// Colors for the cycle walk.
const (
	white = iota
	gray
	black
)

// findCycle runs an iterative three-color depth-first search over the
// predecessor lists and reports the first back edge found. from is the task
// whose dependency closed the loop, to the task it reaches back to.
func findCycle(deps [][]int) (from, to int, found bool) {
	color := make([]int, len(deps))
	type frame struct {
		node int
		next int
	}

	for start := range deps {
		if color[start] != white {
			continue
		}
		color[start] = gray
		stack := []frame{{node: start}}
		for len(stack) > 0 {
			f := &stack[len(stack)-1]
			if f.next < len(deps[f.node]) {
				v := deps[f.node][f.next]
				f.next++
				switch color[v] {
				case gray:
					return f.node, v, true
				case white:
					color[v] = gray
					stack = append(stack, frame{node: v})
				}
				continue
			}
			color[f.node] = black
			stack = stack[:len(stack)-1]
		}
	}
	return 0, 0, false
}

// waveNumbers assigns each task the length of its longest predecessor chain
// via Kahn's breadth-first topological traversal. deps must be acyclic.
func waveNumbers(deps [][]int) []int {
	n := len(deps)
	succ := make([][]int, n)
	indegree := make([]int, n)
	for i, ds := range deps {
		indegree[i] = len(ds)
		for _, d := range ds {
			succ[d] = append(succ[d], i)
		}
	}

	wave := make([]int, n)
	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, v := range succ[u] {
			if wave[u]+1 > wave[v] {
				wave[v] = wave[u] + 1
			}
			indegree[v]--
			if indegree[v] == 0 {
				queue = append(queue, v)
			}
		}
	}
	return wave
}
