package taskgraph

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/xela07ax/agent-warden/internal/domain"
)

// Load читает task-файл оператора (yaml) и строит валидированный граф.
//
//	tasks:
//	  - id: build
//	    required_resources: ["package.json"]
//	  - id: migrate
//	    depends_on: ["build"]
//	    required_resources: ["db/schema.sql"]
func Load(path string) (*Graph, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("taskgraph: failed to read task file %s: %w", path, err)
	}

	var doc struct {
		Tasks []domain.Task `mapstructure:"tasks"`
	}
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("taskgraph: failed to decode task file %s: %w", path, err)
	}

	return New(doc.Tasks)
}
