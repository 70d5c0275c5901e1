package domain

type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"  // Ждет завершения зависимостей
	TaskReady    TaskStatus = "ready"    // Все зависимости Done, ждет агента и ресурсов
	TaskAssigned TaskStatus = "assigned" // Отдана агенту, ресурсы захвачены
	TaskDone     TaskStatus = "done"
	TaskFailed   TaskStatus = "failed"
)

// Terminal — задача больше не будет назначаться.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskFailed
}

// Task — декларативная единица работы из task-файла.
// Граф зависимостей обязан быть DAG, цикл — фатальная ошибка конфигурации на загрузке.
type Task struct {
	ID                string     `json:"id" mapstructure:"id"`
	DependsOn         []string   `json:"depends_on,omitempty" mapstructure:"depends_on"`
	RequiredResources []string   `json:"required_resources,omitempty" mapstructure:"required_resources"`
	Status            TaskStatus `json:"status"`
}
