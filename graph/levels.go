package graph

// Plan is the execution plan of a run.
type Plan struct {
	Order   []string       // topological order
	Levels  [][]string     // barriers, in execution order
	LevelOf map[string]int // node id -> level index
}

// Levels groups a topological order into levels. A node's level is one more
// than the highest level among its dependencies, or 0 without dependencies.
// Within a level ids keep their topological order.
func Levels(order []string, g *Graph) [][]string {
	levels, _ := assignLevels(order, g)
	return levels
}

func assignLevels(order []string, g *Graph) ([][]string, map[string]int) {
	levelOf := make(map[string]int, len(order))
	var levels [][]string

	for _, id := range order {
		level := 0
		for _, dep := range g.Dependencies(id) {
			if l, ok := levelOf[dep]; ok && l+1 > level {
				level = l + 1
			}
		}
		levelOf[id] = level
		for len(levels) <= level {
			levels = append(levels, nil)
		}
		levels[level] = append(levels[level], id)
	}

	return levels, levelOf
}

// Plan orders the graph and assigns levels.
func (g *Graph) Plan() (Plan, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return Plan{}, err
	}
	levels, levelOf := assignLevels(order, g)
	return Plan{Order: order, Levels: levels, LevelOf: levelOf}, nil
}

// Width returns the size of the widest level.
func (p Plan) Width() int {
	w := 0
	for _, l := range p.Levels {
		if len(l) > w {
			w = len(l)
		}
	}
	return w
}
