package stage

import "testing"

func testResolver() *TableResolver {
	return buildResolver(routingFile{
		Defaults: []routingEntry{
			{Stage: "H", ModelID: "default-model", Prompt: "default prompt"},
		},
		Routes: []routingEntry{
			{Stage: "H", Workspace: "classroom", ModelID: "ws-model", Prompt: "ws prompt"},
			{Stage: "H", DocType: "invoice", ModelID: "dt-model", Prompt: "dt prompt"},
		},
	})
}

func TestResolvePrecedence(t *testing.T) {
	r := testResolver()

	tests := []struct {
		name      string
		workspace string
		docType   string
		wantModel string
	}{
		{"workspace wins over doc_type", "classroom", "invoice", "ws-model"},
		{"doc_type when workspace misses", "household", "invoice", "dt-model"},
		{"default when both miss", "household", "receipt", "default-model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route := r.Resolve(StageH, tt.workspace, tt.docType)
			if route.ModelID != tt.wantModel {
				t.Fatalf("Resolve() model = %q, want %q", route.ModelID, tt.wantModel)
			}
		})
	}
}

func TestResolveUnknownStage(t *testing.T) {
	r := testResolver()
	route := r.Resolve(StageF, "classroom", "invoice")
	if route.ModelID != "" || route.PromptTemplate != "" {
		t.Fatalf("unknown stage should resolve to zero route, got %+v", route)
	}
}

func TestEmptyResolver(t *testing.T) {
	r := NewEmptyResolver()
	if route := r.Resolve(StageH, "anything", "anything"); route.ModelID != "" {
		t.Fatalf("empty resolver returned a route: %+v", route)
	}
}
