package workflow

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuiltinTemplates(t *testing.T) {
	templates := BuiltinTemplates()
	for _, name := range []string{"fullstack_development", "frontend_development"} {
		tmpl, ok := templates[name]
		if !ok {
			t.Fatalf("missing builtin template %s", name)
		}
		for _, phase := range []string{"planning", "implementation", "review"} {
			if len(tmpl.Phases[phase]) == 0 {
				t.Errorf("%s: empty phase %s", name, phase)
			}
		}
	}

	fullstack := templates["fullstack_development"]
	if len(fullstack.Criteria.RequiredPatterns) != 2 {
		t.Fatalf("fullstack patterns = %v", fullstack.Criteria.RequiredPatterns)
	}
}

func TestLoadTemplateYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.yaml")
	content := `name: docs_site
phases:
  planning:
    - name: outline
      description: Outline the documentation structure
      assigned_agent: agent_a
  implementation:
    - name: write_pages
      description: Write the documentation pages
      assigned_agent: agent_a
      dependencies: [outline]
  review:
    - name: proofread
      description: Proofread all pages
      assigned_agent: agent_b
completion_criteria:
  workspace_has_files: true
  min_file_count: 2
  required_file_patterns: ["**/*.md"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tmpl, err := LoadTemplate(path)
	if err != nil {
		t.Fatalf("LoadTemplate: %v", err)
	}
	if tmpl.Name != "docs_site" {
		t.Fatalf("name = %q", tmpl.Name)
	}
	if got := tmpl.Phases["implementation"][0].Dependencies; len(got) != 1 || got[0] != "outline" {
		t.Fatalf("dependencies = %v", got)
	}
	if tmpl.Criteria.MinFileCount != 2 || len(tmpl.Criteria.RequiredPatterns) != 1 {
		t.Fatalf("criteria = %+v", tmpl.Criteria)
	}
}

func TestLoadTemplateRejectsUnknownPhase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	content := `name: bad
phases:
  shipping:
    - name: ship_it
      description: ship
      assigned_agent: agent_a
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadTemplate(path); err == nil {
		t.Fatal("unknown phase accepted")
	}
}

func TestDynamicPlanKeywords(t *testing.T) {
	tests := []struct {
		name      string
		objective string
		frontend  bool
		backend   bool
	}{
		{"frontend only", "polish the UI of the dashboard", true, false},
		{"backend only", "build a rest api with a database", false, true},
		{"fullstack", "website with api", true, true},
		{"no keywords defaults to fullstack", "do the thing", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := dynamicPlan(tt.objective)
			names := make(map[string]bool)
			for _, tasks := range plan {
				for _, task := range tasks {
					names[task.Name] = true
				}
			}
			if names["implement_frontend"] != tt.frontend {
				t.Errorf("frontend = %v, want %v", names["implement_frontend"], tt.frontend)
			}
			if names["implement_backend"] != tt.backend {
				t.Errorf("backend = %v, want %v", names["implement_backend"], tt.backend)
			}
			if !names["analyze_objective"] || !names["solution_review"] {
				t.Error("common tasks missing")
			}
		})
	}
}

func TestCriteriaForMergesTemplateAndObjective(t *testing.T) {
	tmpl := fullstackTemplate()
	criteria := criteriaFor("launch the website", &tmpl)
	if criteria.MinFileCount != 3 || !criteria.AllTasksCompleted {
		t.Fatalf("criteria = %+v", criteria)
	}
	// Template patterns plus website-derived patterns.
	if len(criteria.RequiredPatterns) != 5 {
		t.Fatalf("patterns = %v", criteria.RequiredPatterns)
	}
}
