package kernel

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConnectionFilePlaceholder in a kernelspec argv is replaced by the connection file path.
const ConnectionFilePlaceholder = "{connection_file}"

// Spec describes how to launch one kind of kernel.
type Spec struct {
	Name        string            `yaml:"name" json:"name"`
	DisplayName string            `yaml:"displayName" json:"displayName"`
	Language    string            `yaml:"language" json:"language"`
	Argv        []string          `yaml:"argv" json:"argv"`
	Env         map[string]string `yaml:"env" json:"env"`
}

// Command returns argv with the connection file substituted.
func (s Spec) Command(connectionFile string) []string {
	out := make([]string, len(s.Argv))
	for i, arg := range s.Argv {
		out[i] = strings.ReplaceAll(arg, ConnectionFilePlaceholder, connectionFile)
	}
	return out
}

// SpecFile is the structure of kernels.yaml.
type SpecFile struct {
	Kernels []Spec `yaml:"kernels" json:"kernels"`
}

// DefaultSpec runs the IPython kernel from PATH.
var DefaultSpec = Spec{
	Name:        "python3",
	DisplayName: "Python 3",
	Language:    "python",
	Argv:        []string{"python3", "-m", "ipykernel_launcher", "-f", ConnectionFilePlaceholder},
}

// LoadSpecs reads a kernelspec file (YAML or JSON). A missing file yields only DefaultSpec.
func LoadSpecs(path string) (map[string]Spec, error) {
	specs := map[string]Spec{DefaultSpec.Name: DefaultSpec}
	if path == "" {
		return specs, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return specs, nil
		}
		return nil, fmt.Errorf("failed to read kernelspecs: %w", err)
	}

	var file SpecFile
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	for _, spec := range file.Kernels {
		if spec.Name == "" {
			continue
		}
		if len(spec.Argv) == 0 {
			return nil, fmt.Errorf("kernelspec %q: argv is required", spec.Name)
		}
		specs[spec.Name] = spec
	}
	return specs, nil
}

// SpecNames returns the names of specs in sorted order.
func SpecNames(specs map[string]Spec) []string {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
