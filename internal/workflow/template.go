package workflow

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// TemplateTask declares one task inside a workflow template.
type TemplateTask struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Agent        string   `yaml:"assigned_agent"`
	Dependencies []string `yaml:"dependencies"`
}

// Template is a named, phase-keyed task plan. Templates ship built in or
// load from YAML.
type Template struct {
	Name     string                    `yaml:"name"`
	Phases   map[string][]TemplateTask `yaml:"phases"`
	Criteria Criteria                  `yaml:"completion_criteria"`
}

// LoadTemplate reads one template from a YAML file.
func LoadTemplate(path string) (Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Template{}, fmt.Errorf("read template: %w", err)
	}
	var tmpl Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return Template{}, fmt.Errorf("parse template %s: %w", path, err)
	}
	if tmpl.Name == "" {
		return Template{}, fmt.Errorf("template %s: missing name", path)
	}
	for phaseName := range tmpl.Phases {
		switch Phase(phaseName) {
		case PhasePlanning, PhaseImplementation, PhaseReview:
		default:
			return Template{}, fmt.Errorf("template %s: unknown phase %q", path, phaseName)
		}
	}
	return tmpl, nil
}

// BuiltinTemplates returns the templates that ship with the engine.
func BuiltinTemplates() map[string]Template {
	templates := make(map[string]Template)
	for _, tmpl := range []Template{fullstackTemplate(), frontendTemplate()} {
		templates[tmpl.Name] = tmpl
	}
	return templates
}

func fullstackTemplate() Template {
	return Template{
		Name: "fullstack_development",
		Phases: map[string][]TemplateTask{
			"planning": {
				{Name: "analyze_requirements", Description: "Analyze project requirements and create specification", Agent: "both"},
				{Name: "frontend_planning", Description: "Create frontend architecture and component plan", Agent: "agent_a", Dependencies: []string{"analyze_requirements"}},
				{Name: "backend_planning", Description: "Design backend architecture and API specification", Agent: "agent_b", Dependencies: []string{"analyze_requirements"}},
				{Name: "integration_planning", Description: "Plan frontend-backend integration points", Agent: "both", Dependencies: []string{"frontend_planning", "backend_planning"}},
			},
			"implementation": {
				{Name: "backend_foundation", Description: "Implement core backend services and APIs", Agent: "agent_b"},
				{Name: "frontend_foundation", Description: "Create frontend foundation and routing", Agent: "agent_a"},
				{Name: "api_integration", Description: "Connect frontend to backend APIs", Agent: "both", Dependencies: []string{"backend_foundation", "frontend_foundation"}},
				{Name: "feature_implementation", Description: "Implement core features and functionality", Agent: "both", Dependencies: []string{"api_integration"}},
			},
			"review": {
				{Name: "code_review", Description: "Review code quality and architecture", Agent: "both"},
				{Name: "integration_testing", Description: "Test frontend-backend integration", Agent: "both", Dependencies: []string{"code_review"}},
				{Name: "user_experience_review", Description: "Review user experience and interface", Agent: "agent_a", Dependencies: []string{"integration_testing"}},
			},
		},
		Criteria: Criteria{
			WorkspaceHasFiles: true,
			MinFileCount:      3,
			RequiredPatterns:  []string{"**/package.json", "**/requirements.txt"},
			AllTasksCompleted: true,
			NoCriticalErrors:  true,
		},
	}
}

func frontendTemplate() Template {
	return Template{
		Name: "frontend_development",
		Phases: map[string][]TemplateTask{
			"planning": {
				{Name: "ui_ux_planning", Description: "Design user interface and experience", Agent: "agent_a"},
				{Name: "component_architecture", Description: "Plan component structure and state management", Agent: "agent_a", Dependencies: []string{"ui_ux_planning"}},
			},
			"implementation": {
				{Name: "setup_project", Description: "Setup frontend project structure and dependencies", Agent: "agent_a"},
				{Name: "implement_components", Description: "Implement UI components and functionality", Agent: "agent_a", Dependencies: []string{"setup_project"}},
				{Name: "styling_responsive", Description: "Implement styling and responsive design", Agent: "agent_a", Dependencies: []string{"implement_components"}},
			},
			"review": {
				{Name: "ui_review", Description: "Review user interface and usability", Agent: "agent_a"},
			},
		},
		Criteria: Criteria{
			WorkspaceHasFiles: true,
			MinFileCount:      3,
			AllTasksCompleted: true,
			NoCriticalErrors:  true,
		},
	}
}

// dynamicPlan derives a task plan from keywords in the objective when no
// template matches.
func dynamicPlan(objective string) map[string][]TemplateTask {
	lower := strings.ToLower(objective)
	frontend := containsAny(lower, "ui", "frontend", "interface", "website", "app")
	backend := containsAny(lower, "api", "backend", "server", "database")
	if !frontend && !backend {
		frontend, backend = true, true
	}

	planning := []TemplateTask{
		{Name: "analyze_objective", Description: "Analyze the objective: " + objective, Agent: "both"},
	}
	var implementation []TemplateTask
	if frontend {
		planning = append(planning, TemplateTask{
			Name: "frontend_planning", Description: "Plan frontend architecture and user interface",
			Agent: "agent_a", Dependencies: []string{"analyze_objective"},
		})
		implementation = append(implementation, TemplateTask{
			Name: "implement_frontend", Description: "Implement frontend solution", Agent: "agent_a",
		})
	}
	if backend {
		planning = append(planning, TemplateTask{
			Name: "backend_planning", Description: "Plan backend architecture and services",
			Agent: "agent_b", Dependencies: []string{"analyze_objective"},
		})
		implementation = append(implementation, TemplateTask{
			Name: "implement_backend", Description: "Implement backend solution", Agent: "agent_b",
		})
	}
	review := []TemplateTask{
		{Name: "solution_review", Description: "Review complete solution for quality and completeness", Agent: "both"},
	}

	return map[string][]TemplateTask{
		"planning":       planning,
		"implementation": implementation,
		"review":         review,
	}
}

// criteriaFor merges the baseline, the template's criteria, and
// objective-derived file patterns.
func criteriaFor(objective string, tmpl *Template) Criteria {
	criteria := Criteria{
		WorkspaceHasFiles: true,
		MinFileCount:      3,
		AllTasksCompleted: true,
		NoCriticalErrors:  true,
	}
	if tmpl != nil {
		merged := tmpl.Criteria
		if !merged.WorkspaceHasFiles {
			merged.WorkspaceHasFiles = criteria.WorkspaceHasFiles
		}
		if merged.MinFileCount == 0 {
			merged.MinFileCount = criteria.MinFileCount
		}
		merged.AllTasksCompleted = merged.AllTasksCompleted || criteria.AllTasksCompleted
		merged.NoCriticalErrors = merged.NoCriticalErrors || criteria.NoCriticalErrors
		criteria = merged
	}

	lower := strings.ToLower(objective)
	if strings.Contains(lower, "website") || strings.Contains(lower, "web app") {
		criteria.RequiredPatterns = append(criteria.RequiredPatterns, "**/*.html", "**/*.css", "**/*.js")
	}
	if strings.Contains(lower, "api") {
		criteria.RequiredPatterns = append(criteria.RequiredPatterns, "**/*.py", "**/requirements.txt")
	}
	return criteria
}

func containsAny(content string, words ...string) bool {
	for _, word := range words {
		if strings.Contains(content, word) {
			return true
		}
	}
	return false
}
