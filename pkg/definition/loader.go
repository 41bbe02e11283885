package definition

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/retry"
	"github.com/wehubfusion/Daedalus/pkg/variables"
)

// jsonStep is the wire form of a step. Durations are Go duration strings
// ("30s", "5m").
type jsonStep struct {
	Name             string            `json:"name"`
	Target           string            `json:"target"`
	RetryCount       int               `json:"retryCount"`
	RetryDelay       string            `json:"retryDelay"`
	Backoff          string            `json:"backoff"`
	MaxRetryDelay    string            `json:"maxRetryDelay"`
	Timeout          string            `json:"timeout"`
	OnError          string            `json:"onError"`
	OnSuccess        string            `json:"onSuccess"`
	Condition        string            `json:"condition"`
	InputMapping     map[string]string `json:"inputMapping"`
	OutputMapping    map[string]string `json:"outputMapping"`
	OutputVisibility map[string]string `json:"outputVisibility"`
	FireAndForget    bool              `json:"fireAndForget"`
	CaptureIO        bool              `json:"captureIO"`
}

// jsonNode is the wire form of a step node: type "step" or "parallel".
type jsonNode struct {
	Type    string     `json:"type"`
	Step    *jsonStep  `json:"step,omitempty"`
	Name    string     `json:"name,omitempty"`
	Members []jsonStep `json:"members,omitempty"`
}

// jsonDefinition is the wire form of a process definition.
type jsonDefinition struct {
	Ref         string        `json:"ref"`
	Name        string        `json:"name"`
	Parameters  []string      `json:"parameters"`
	Nodes       []jsonNode    `json:"nodes"`
	Triggers    []TriggerSpec `json:"triggers"`
	Timeout     string        `json:"timeout"`
	DisplayName string        `json:"displayName"`
}

// Parse decodes a JSON process definition.
func Parse(data []byte) (*ProcessDefinition, error) {
	var jd jsonDefinition
	if err := json.Unmarshal(data, &jd); err != nil {
		return nil, sdkerrors.NewDefinitionError("", "", "failed to decode definition", err)
	}

	def := &ProcessDefinition{
		Ref:         jd.Ref,
		Name:        jd.Name,
		Parameters:  jd.Parameters,
		Triggers:    jd.Triggers,
		DisplayName: jd.DisplayName,
	}

	var err error
	if def.Timeout, err = parseDuration(jd.Ref, "", "timeout", jd.Timeout); err != nil {
		return nil, err
	}

	for _, node := range jd.Nodes {
		switch node.Type {
		case "step", "":
			if node.Step == nil {
				return nil, sdkerrors.NewDefinitionError(jd.Ref, node.Name, "step node has no step body", nil)
			}
			step, err := decodeStep(jd.Ref, node.Step)
			if err != nil {
				return nil, err
			}
			def.Nodes = append(def.Nodes, step)
		case "parallel":
			group := &ParallelGroup{Name: node.Name}
			for i := range node.Members {
				member, err := decodeStep(jd.Ref, &node.Members[i])
				if err != nil {
					return nil, err
				}
				group.Members = append(group.Members, *member)
			}
			def.Nodes = append(def.Nodes, group)
		default:
			return nil, sdkerrors.NewDefinitionError(jd.Ref, node.Name,
				fmt.Sprintf("unknown node type %q", node.Type), nil)
		}
	}

	return def, nil
}

func decodeStep(ref string, js *jsonStep) (*Step, error) {
	step := &Step{
		Name:          js.Name,
		Target:        js.Target,
		RetryCount:    js.RetryCount,
		Backoff:       retry.Backoff(js.Backoff),
		OnError:       OnError(js.OnError),
		OnSuccess:     js.OnSuccess,
		Condition:     js.Condition,
		InputMapping:  js.InputMapping,
		OutputMapping: js.OutputMapping,
		FireAndForget: js.FireAndForget,
		CaptureIO:     js.CaptureIO,
	}

	var err error
	if step.RetryDelay, err = parseDuration(ref, js.Name, "retryDelay", js.RetryDelay); err != nil {
		return nil, err
	}
	if step.MaxRetryDelay, err = parseDuration(ref, js.Name, "maxRetryDelay", js.MaxRetryDelay); err != nil {
		return nil, err
	}
	if step.Timeout, err = parseDuration(ref, js.Name, "timeout", js.Timeout); err != nil {
		return nil, err
	}

	if len(js.OutputVisibility) > 0 {
		step.OutputVisibility = make(map[string]variables.Visibility, len(js.OutputVisibility))
		for name, vis := range js.OutputVisibility {
			step.OutputVisibility[name] = variables.Visibility(vis)
		}
	}

	return step, nil
}

func parseDuration(ref, node, field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, sdkerrors.NewDefinitionError(ref, node,
			fmt.Sprintf("invalid %s duration %q", field, value), err)
	}
	return d, nil
}

// LoadFile parses a single JSON definition file.
func LoadFile(path string) (*ProcessDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file %s: %w", path, err)
	}
	return Parse(data)
}

// LoadDir parses every .json definition in a directory, in name order so
// loading is deterministic.
func LoadDir(dir string) ([]*ProcessDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition directory %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	defs := make([]*ProcessDefinition, 0, len(files))
	for _, file := range files {
		def, err := LoadFile(filepath.Join(dir, file))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
