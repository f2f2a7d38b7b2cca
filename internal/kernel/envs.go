package kernel

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment is a named kernel environment from the kernels.yaml
// registry. At most one of Venv or DockerImage is normally set; when
// both are empty the host python is used.
type Environment struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name"`
	Python      string `yaml:"python"`
	Venv        string `yaml:"venv"`
	DockerImage string `yaml:"docker_image"`
}

type environmentsFile struct {
	Environments []Environment `yaml:"environments"`
}

// LoadEnvironments reads a kernels.yaml registry. A missing file is
// not an error; callers fall back to the host environment.
func LoadEnvironments(path string) (map[string]Environment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Environment{}, nil
		}
		return nil, fmt.Errorf("read environments file: %w", err)
	}
	var file environmentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse environments file: %w", err)
	}
	envs := make(map[string]Environment, len(file.Environments))
	for _, env := range file.Environments {
		if env.Name == "" {
			return nil, fmt.Errorf("environments file %s: entry without a name", path)
		}
		if _, dup := envs[env.Name]; dup {
			return nil, fmt.Errorf("environments file %s: duplicate environment %q", path, env.Name)
		}
		envs[env.Name] = env
	}
	return envs, nil
}
