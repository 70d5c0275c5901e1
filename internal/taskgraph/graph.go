// Package taskgraph — декларативный граф задач рана.
// Валидация целиком на загрузке: цикл или ссылка на неизвестную задачу —
// фатальная ошибка конфигурации, ран не стартует.
package taskgraph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/xela07ax/agent-warden/internal/domain"
)

var (
	// ErrConfigCycle — граф зависимостей не DAG.
	ErrConfigCycle = errors.New("taskgraph: dependency cycle detected")
	// ErrUnknownTask — depends_on ссылается на несуществующий id.
	ErrUnknownTask = errors.New("taskgraph: reference to unknown task id")
	// ErrDuplicateTask — id задачи встречается дважды.
	ErrDuplicateTask = errors.New("taskgraph: duplicate task id")
)

// Graph владеет задачами рана. Статусы пишет только координатор
// через методы Mark* — прямой доступ к Task наружу не отдается.
type Graph struct {
	tasks map[string]*domain.Task
	order []string // детерминированный порядок обхода (по id)
	// Прямые зависимые: dependents["a"] = задачи, у которых "a" в depends_on
	dependents map[string][]string
}

// New валидирует список задач и строит граф. Все задачи стартуют Pending.
func New(tasks []domain.Task) (*Graph, error) {
	if len(tasks) == 0 {
		return nil, errors.New("taskgraph: no tasks defined")
	}

	g := &Graph{
		tasks:      make(map[string]*domain.Task, len(tasks)),
		dependents: make(map[string][]string),
	}

	for i := range tasks {
		t := tasks[i]
		if t.ID == "" {
			return nil, errors.New("taskgraph: task id is required")
		}
		if _, exists := g.tasks[t.ID]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTask, t.ID)
		}
		t.Status = domain.TaskPending
		g.tasks[t.ID] = &t
		g.order = append(g.order, t.ID)
	}
	sort.Strings(g.order)

	// Ссылочная целостность и self-loop
	for _, id := range g.order {
		t := g.tasks[id]
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return nil, fmt.Errorf("%w: %q depends on itself", ErrConfigCycle, t.ID)
			}
			if _, ok := g.tasks[dep]; !ok {
				return nil, fmt.Errorf("%w: %q depends on %q", ErrUnknownTask, t.ID, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], t.ID)
		}
	}

	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// validateAcyclic — алгоритм Кана: если топологическая сортировка не покрыла
// все вершины, остаток лежит на цикле.
func (g *Graph) validateAcyclic() error {
	indeg := make(map[string]int, len(g.tasks))
	for id, t := range g.tasks {
		indeg[id] = len(t.DependsOn)
	}

	queue := make([]string, 0, len(g.tasks))
	for _, id := range g.order {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range g.dependents[id] {
			indeg[dep]--
			if indeg[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(g.tasks) {
		var cyclic []string
		for _, id := range g.order {
			if indeg[id] > 0 {
				cyclic = append(cyclic, id)
			}
		}
		return fmt.Errorf("%w: involving %v", ErrConfigCycle, cyclic)
	}
	return nil
}

// Task возвращает копию задачи.
func (g *Graph) Task(id string) (domain.Task, bool) {
	t, ok := g.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return *t, true
}

// Tasks — копии всех задач в детерминированном порядке.
func (g *Graph) Tasks() []domain.Task {
	out := make([]domain.Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.tasks[id])
	}
	return out
}

// Ready — задачи, у которых все зависимости Done, в порядке назначения:
// сначала меньше ждущих зависимых, при равенстве — по id.
// Pending-задачи с выполненными зависимостями повышаются до Ready здесь же.
func (g *Graph) Ready() []domain.Task {
	var ready []domain.Task
	for _, id := range g.order {
		t := g.tasks[id]
		switch t.Status {
		case domain.TaskReady:
		case domain.TaskPending:
			if !g.depsDone(t) {
				continue
			}
			t.Status = domain.TaskReady
		default:
			continue
		}
		ready = append(ready, *t)
	}

	sort.SliceStable(ready, func(i, j int) bool {
		wi, wj := g.WaitingDependents(ready[i].ID), g.WaitingDependents(ready[j].ID)
		if wi != wj {
			return wi < wj
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

func (g *Graph) depsDone(t *domain.Task) bool {
	for _, dep := range t.DependsOn {
		if g.tasks[dep].Status != domain.TaskDone {
			return false
		}
	}
	return true
}

// WaitingDependents — сколько прямых зависимых еще не дошло до терминального статуса.
func (g *Graph) WaitingDependents(id string) int {
	n := 0
	for _, dep := range g.dependents[id] {
		if !g.tasks[dep].Status.Terminal() {
			n++
		}
	}
	return n
}

// BlockedBy — зависимые (транзитивно), которые никогда не станут Ready из-за фейла id.
func (g *Graph) BlockedBy(id string) []string {
	var blocked []string
	seen := map[string]bool{}
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range g.dependents[cur] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if !g.tasks[dep].Status.Terminal() {
				blocked = append(blocked, dep)
			}
			walk(dep)
		}
	}
	walk(id)
	sort.Strings(blocked)
	return blocked
}

// MarkAssigned переводит Ready -> Assigned.
func (g *Graph) MarkAssigned(id string) error {
	return g.transition(id, domain.TaskAssigned, domain.TaskReady)
}

// MarkDone переводит Assigned -> Done.
func (g *Graph) MarkDone(id string) error {
	return g.transition(id, domain.TaskDone, domain.TaskAssigned)
}

// MarkFailed допустим из любого нетерминального статуса: фейл агента,
// отмена до назначения, потеря лока по reclaim.
func (g *Graph) MarkFailed(id string) error {
	return g.transition(id, domain.TaskFailed,
		domain.TaskPending, domain.TaskReady, domain.TaskAssigned)
}

// MarkReady откатывает Assigned -> Ready (неудавшийся dispatch внутри тика).
func (g *Graph) MarkReady(id string) error {
	return g.transition(id, domain.TaskReady, domain.TaskAssigned)
}

func (g *Graph) transition(id string, to domain.TaskStatus, from ...domain.TaskStatus) error {
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, id)
	}
	for _, f := range from {
		if t.Status == f {
			t.Status = to
			return nil
		}
	}
	return fmt.Errorf("taskgraph: invalid transition %s -> %s for task %q", t.Status, to, id)
}

// Finished — все задачи в терминальном статусе либо навечно заблокированы фейлом зависимости.
func (g *Graph) Finished() bool {
	for _, t := range g.tasks {
		if t.Status.Terminal() {
			continue
		}
		if !g.blockedForever(t) {
			return false
		}
	}
	return true
}

// blockedForever — среди транзитивных зависимостей есть Failed.
func (g *Graph) blockedForever(t *domain.Task) bool {
	for _, dep := range t.DependsOn {
		d := g.tasks[dep]
		if d.Status == domain.TaskFailed {
			return true
		}
		if d.Status != domain.TaskDone && g.blockedForever(d) {
			return true
		}
	}
	return false
}
