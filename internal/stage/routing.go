// Routing table resolver: replaces dict-of-dict configuration with an
// explicitly enumerated table keyed by (stage, workspace, doc_type)
// with workspace -> doc_type -> default precedence (spec.md §4.4, §9
// "Dict-of-dict configuration" redesign).
package stage

import (
	"os"

	"gopkg.in/yaml.v3"
)

// routingEntry is one line of the YAML routing table.
type routingEntry struct {
	Stage     string `yaml:"stage"`
	Workspace string `yaml:"workspace,omitempty"`
	DocType   string `yaml:"doc_type,omitempty"`
	ModelID   string `yaml:"model_id"`
	Prompt    string `yaml:"prompt_template"`
}

type routingFile struct {
	Defaults []routingEntry `yaml:"defaults"`
	Routes   []routingEntry `yaml:"routes"`
}

type key struct {
	stage     ID
	workspace string
	docType   string
}

// TableResolver implements Resolver against an in-memory table loaded
// once from YAML at startup.
type TableResolver struct {
	byWorkspace map[key]Route
	byDocType   map[key]Route
	defaults    map[ID]Route
}

// NewEmptyResolver returns a resolver with no routes: every lookup
// yields the zero Route, which makes the model client fall back to its
// configured default model. Used when no routing table file is present.
func NewEmptyResolver() *TableResolver {
	return buildResolver(routingFile{})
}

// LoadResolver reads the routing table from path.
func LoadResolver(path string) (*TableResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rf routingFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, err
	}
	return buildResolver(rf), nil
}

func buildResolver(rf routingFile) *TableResolver {
	r := &TableResolver{
		byWorkspace: map[key]Route{},
		byDocType:   map[key]Route{},
		defaults:    map[ID]Route{},
	}
	for _, e := range rf.Defaults {
		r.defaults[ID(e.Stage)] = Route{ModelID: e.ModelID, PromptTemplate: e.Prompt}
	}
	for _, e := range rf.Routes {
		route := Route{ModelID: e.ModelID, PromptTemplate: e.Prompt}
		switch {
		case e.Workspace != "":
			r.byWorkspace[key{stage: ID(e.Stage), workspace: e.Workspace}] = route
		case e.DocType != "":
			r.byDocType[key{stage: ID(e.Stage), docType: e.DocType}] = route
		}
	}
	return r
}

// Resolve implements the three-tier precedence: (stage, workspace) ->
// (stage, doc_type) -> (stage, default) (spec.md §4.4).
func (r *TableResolver) Resolve(stageID ID, workspace, docType string) Route {
	if route, ok := r.byWorkspace[key{stage: stageID, workspace: workspace}]; ok {
		return route
	}
	if route, ok := r.byDocType[key{stage: stageID, docType: docType}]; ok {
		return route
	}
	return r.defaults[stageID]
}
