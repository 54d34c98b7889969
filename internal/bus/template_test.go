package bus

import (
	"strings"
	"testing"
)

func TestSelectTemplate(t *testing.T) {
	engine := NewEngine()

	tests := []struct {
		name    string
		content string
		from    Role
		to      Role
		want    string
	}{
		{"frontend asks for api", "need the api for login", RoleFrontend, RoleBackend, "api_request"},
		{"frontend chat", "how is it going", RoleFrontend, RoleBackend, ""},
		{"backend done", "login endpoint implemented", RoleBackend, RoleFrontend, "api_ready"},
		{"backend status", "still working", RoleBackend, RoleFrontend, ""},
		{"orchestrator to frontend", "build the dashboard", RoleOrchestrator, RoleFrontend, "task"},
		{"orchestrator to backend", "build the service", RoleOrchestrator, RoleBackend, "task"},
		{"backend to backend", "implemented", RoleBackend, RoleBackend, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := NewMessage(TypeCrossCommunication, "a", "b", tt.content, "s")
			if got := engine.SelectTemplate(msg, tt.from, tt.to); got != tt.want {
				t.Fatalf("SelectTemplate = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTransformUnknownTemplate(t *testing.T) {
	engine := NewEngine()
	msg := NewMessage(TypeTask, "a", "b", "hello", "s")
	got, applied := engine.Transform(msg, RoleFrontend, RoleBackend, "no_such", nil, nil)
	if applied {
		t.Fatal("Transform applied an unknown template")
	}
	if got != msg {
		t.Fatal("Transform should return the original message unchanged")
	}
}

func TestTransformFieldResolutionChain(t *testing.T) {
	engine := NewEngine()

	msg := NewMessage(TypeCrossCommunication, "frontend", "backend",
		"Please create the login api with auth", "s1")
	msg.Metadata = map[string]string{"endpoints": "/api/login, /api/logout"}

	explicit := map[string]string{"response_format": "JSON with envelope"}
	providers := map[string]ContextProvider{
		"backend": func(m *Message, from, to Role) map[string]string {
			return map[string]string{"backend_stack": "Go with PostgreSQL"}
		},
	}

	got, applied := engine.Transform(msg, RoleFrontend, RoleBackend, "api_request", explicit, providers)
	if !applied {
		t.Fatal("Transform did not apply")
	}

	checks := map[string]string{
		// explicit context wins
		"response_format": "JSON with envelope",
		// provider-supplied
		"backend_stack": "Go with PostgreSQL",
		// metadata extraction
		"endpoints": "/api/login, /api/logout",
		// lexical extraction from content
		"functionality": "API implementation",
		"requirements":  "Create new components",
		"auth_required": "Yes - authentication required",
		// engine default for a field nothing else supplies
		"api_standards": "RESTful APIs",
	}
	for field, want := range checks {
		if !strings.Contains(got.Content, want) {
			t.Errorf("field %s: rendered content missing %q", field, want)
		}
	}

	if got.Type != TypeContextEnriched {
		t.Fatalf("type = %s", got.Type)
	}
	if got.ReplyTo != msg.ID {
		t.Fatalf("ReplyTo = %q", got.ReplyTo)
	}
	if got.Metadata["transform.template_id"] != "api_request" {
		t.Fatalf("template id metadata = %q", got.Metadata["transform.template_id"])
	}
	// Original must be untouched.
	if msg.Type != TypeCrossCommunication || strings.Contains(msg.Content, "BACKEND") {
		t.Fatal("Transform mutated the original message")
	}
}

func TestTransformAlwaysResolvesEveryField(t *testing.T) {
	engine := NewEngine()
	for _, tmpl := range defaultTemplates() {
		msg := NewMessage(TypeCrossCommunication, "a", "b", "bare message", "s")
		got, applied := engine.Transform(msg, tmpl.FromRole, tmpl.ToRole, tmpl.ID, nil, nil)
		if !applied {
			t.Fatalf("template %s/%s->%s did not apply", tmpl.ID, tmpl.FromRole, tmpl.ToRole)
		}
		if strings.Contains(got.Content, "{") || strings.Contains(got.Content, "}") {
			t.Errorf("template %s left unresolved placeholders:\n%s", tmpl.ID, got.Content)
		}
	}
}

func TestRoleDefaultBeatsGlobalDefault(t *testing.T) {
	engine := NewEngine()
	msg := NewMessage(TypeCrossCommunication, "frontend", "backend", "please do the thing", "s")
	got, applied := engine.Transform(msg, RoleFrontend, RoleBackend, "api_request", nil, nil)
	if !applied {
		t.Fatal("Transform did not apply")
	}
	// "functionality" has both a frontend role default and a global default;
	// the role default must win.
	if !strings.Contains(got.Content, "Frontend user interface development") {
		t.Fatalf("role default not used:\n%s", got.Content)
	}
}

func TestAddCustomTemplate(t *testing.T) {
	engine := NewEngine()
	engine.Add(Template{
		ID:       "review_brief",
		FromRole: RoleBackend,
		ToRole:   RoleOrchestrator,
		Body:     "REVIEW: {original_message}",
		Fields:   []string{"original_message"},
	})

	msg := NewMessage(TypeReview, "backend", "orchestrator", "all tests green", "s")
	got, applied := engine.Transform(msg, RoleBackend, RoleOrchestrator, "review_brief", nil, nil)
	if !applied {
		t.Fatal("custom template did not apply")
	}
	if got.Content != "REVIEW: all tests green" {
		t.Fatalf("content = %q", got.Content)
	}
}
