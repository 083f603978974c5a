package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"

	"trapper_platform/trapper/media"

	"gopkg.in/yaml.v3"
)

var ErrDefinitionInvalid = errors.New("invalid collection definition")

type ResourceDef struct {
	Name         string `yaml:"name"`
	File         string `yaml:"file"`
	ExtraFile    string `yaml:"extra_file"`
	DateRecorded string `yaml:"date_recorded"`
}

type DeploymentDef struct {
	DeploymentId string        `yaml:"deployment_id"`
	Resources    []ResourceDef `yaml:"resources"`
}

type ManagerDef struct {
	Username string `yaml:"username"`
}

type CollectionDef struct {
	Name         string          `yaml:"name"`
	ProjectName  string          `yaml:"project_name"`
	ResourcesDir string          `yaml:"resources_dir"`
	Managers     []ManagerDef    `yaml:"managers"`
	Deployments  []DeploymentDef `yaml:"deployments"`
	Resources    []ResourceDef   `yaml:"resources"`
}

type Definition struct {
	Collections []CollectionDef `yaml:"collections"`
}

// ResourceCount is the number of resources declared across all collections.
func (d Definition) ResourceCount() int {
	n := 0
	for _, c := range d.Collections {
		n += len(c.Resources)
		for _, dep := range c.Deployments {
			n += len(dep.Resources)
		}
	}
	return n
}

// EntryPaths lists where a resource file may be found in the archive, most specific first.
// Files of a deployment normally live in a directory named after it.
func (c CollectionDef) EntryPaths(deploymentId, file string) []string {
	paths := []string{}
	if deploymentId != "" {
		paths = append(paths, path.Join(c.ResourcesDir, deploymentId, file))
	}
	return append(paths, path.Join(c.ResourcesDir, file), file)
}

// ParseDefinition decodes and structurally checks a definition document. Unknown keys are
// rejected.
func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&def); err != nil {
		return def, fmt.Errorf("%w: %v", ErrDefinitionInvalid, err)
	}

	var problems []string
	if len(def.Collections) == 0 {
		problems = append(problems, "no collections defined")
	}
	names := map[string]bool{}
	for i, c := range def.Collections {
		where := fmt.Sprintf("collections[%d]", i)
		if strings.TrimSpace(c.Name) == "" {
			problems = append(problems, where+": name is required")
		} else if names[c.Name] {
			problems = append(problems, fmt.Sprintf("%v: duplicate collection name %q", where, c.Name))
		}
		names[c.Name] = true
		if strings.TrimSpace(c.ResourcesDir) == "" {
			problems = append(problems, where+": resources_dir is required")
		}
		for j, m := range c.Managers {
			if m.Username == "" {
				problems = append(problems, fmt.Sprintf("%v.managers[%d]: username is required", where, j))
			}
		}
		for j, dep := range c.Deployments {
			depWhere := fmt.Sprintf("%v.deployments[%d]", where, j)
			if dep.DeploymentId == "" {
				problems = append(problems, depWhere+": deployment_id is required")
			}
			problems = append(problems, checkResources(depWhere, dep.Resources)...)
		}
		problems = append(problems, checkResources(where, c.Resources)...)
	}

	if len(problems) > 0 {
		return def, fmt.Errorf("%w: %v", ErrDefinitionInvalid, strings.Join(problems, "; "))
	}
	return def, nil
}

func checkResources(where string, resources []ResourceDef) []string {
	var problems []string
	for i, r := range resources {
		at := fmt.Sprintf("%v.resources[%d]", where, i)
		if r.Name == "" {
			problems = append(problems, at+": name is required")
		}
		if r.File == "" {
			problems = append(problems, at+": file is required")
		} else if !media.IsMediaFile(r.File) {
			problems = append(problems, fmt.Sprintf("%v: not allowed file type %q", at, path.Ext(r.File)))
		}
		if r.ExtraFile != "" && !media.IsMediaFile(r.ExtraFile) {
			problems = append(problems, fmt.Sprintf("%v: not allowed file type %q", at, path.Ext(r.ExtraFile)))
		}
	}
	return problems
}
