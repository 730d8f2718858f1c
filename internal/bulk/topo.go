package bulk

import (
	"sort"

	"github.com/untoldecay/trellis/internal/taskerr"
	"github.com/untoldecay/trellis/internal/types"
)

// orderBatch rearranges operations so that a create runs after any
// in-batch create it references, either as a dependency or as its
// parent. Forward references inside the batch are therefore satisfied
// by the time each item executes. References to paths outside the
// batch are left for validation to judge. A cycle among batch items
// fails the whole batch up front.
func orderBatch(ops []Operation) ([]Operation, error) {
	createIdx := make(map[string]int) // normalized path -> ops index
	for i, op := range ops {
		if op.Type == OpCreate && op.Task != nil {
			createIdx[types.NormalizePath(op.Task.Path)] = i
		}
	}
	if len(createIdx) == 0 {
		return ops, nil
	}

	// Kahn over in-batch edges: op i waits on op j when i's task names
	// j's path as a dependency or ancestor.
	succ := make(map[int][]int)
	indegree := make(map[int]int, len(ops))
	for i := range ops {
		indegree[i] = 0
	}
	addEdge := func(from, to int) {
		if from == to {
			return
		}
		succ[from] = append(succ[from], to)
		indegree[to]++
	}
	for i, op := range ops {
		if op.Type != OpCreate || op.Task == nil {
			continue
		}
		if parent := types.ParentPath(op.Task.Path); parent != "" {
			if j, ok := createIdx[types.NormalizePath(parent)]; ok {
				addEdge(j, i)
			}
		}
		for _, dep := range op.Task.Dependencies {
			if j, ok := createIdx[types.NormalizePath(dep)]; ok {
				addEdge(j, i)
			}
		}
	}

	// Ready queue in input order keeps the result deterministic.
	var queue []int
	for i := range ops {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	sort.Ints(queue)

	ordered := make([]Operation, 0, len(ops))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		ordered = append(ordered, ops[i])
		var freed []int
		for _, next := range succ[i] {
			indegree[next]--
			if indegree[next] == 0 {
				freed = append(freed, next)
			}
		}
		sort.Ints(freed)
		queue = append(queue, freed...)
	}

	if len(ordered) < len(ops) {
		cycle := closedCycle(ops, succ, indegree)
		return nil, taskerr.New(taskerr.KindDependencyCycle,
			"batch contains a dependency cycle: %v", cycle).
			WithDetail("cycle", cycle)
	}
	return ordered, nil
}

// closedCycle walks the unresolved remainder of the batch graph and
// returns the keys of one actual cycle as a closed path, A ... A.
// Nodes with leftover indegree that merely depend on the cycle are not
// part of it and are excluded.
func closedCycle(ops []Operation, succ map[int][]int, indegree map[int]int) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[int]int)
	var stack []int
	var cycle []int

	var visit func(node int) bool
	visit = func(node int) bool {
		color[node] = gray
		stack = append(stack, node)
		for _, next := range succ[node] {
			if indegree[next] == 0 {
				continue
			}
			switch color[next] {
			case gray:
				for i, n := range stack {
					if n == next {
						cycle = append([]int(nil), stack[i:]...)
						return true
					}
				}
				cycle = append([]int(nil), stack...)
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[node] = black
		return false
	}

	for i := range ops {
		if indegree[i] > 0 && color[i] == white && visit(i) {
			break
		}
	}
	keys := make([]string, 0, len(cycle)+1)
	for _, i := range cycle {
		keys = append(keys, ops[i].Key)
	}
	if len(keys) > 0 {
		keys = append(keys, keys[0])
	}
	return keys
}
