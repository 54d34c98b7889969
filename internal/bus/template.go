package bus

import (
	"fmt"
	"regexp"
	"strings"
)

// ContextProvider supplies per-agent context fields for transformation.
// Returned keys are namespaced by the providing agent's id before merging.
type ContextProvider func(msg *Message, from, to Role) map[string]string

// Template renders an agent's raw output into a structured brief for the
// receiving role. Fields lists every placeholder the body uses; the resolver
// chain guarantees each one gets a value, so rendering never fails.
type Template struct {
	ID       string
	FromRole Role
	ToRole   Role
	Body     string
	Fields   []string
}

var placeholderPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

func (t Template) render(context map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(t.Body, func(match string) string {
		field := match[1 : len(match)-1]
		if value, ok := context[field]; ok && value != "" {
			return value
		}
		return fmt.Sprintf("[%s to be determined]", field)
	})
}

// Engine owns the transformation templates and the field resolver chain:
// explicit context, then active agent providers, then lexical extraction
// from the message, then defaults. A field always resolves.
type Engine struct {
	templates map[string]Template
	defaults  map[string]string
}

func NewEngine() *Engine {
	engine := &Engine{
		templates: make(map[string]Template),
		defaults:  defaultFieldValues(),
	}
	for _, tmpl := range defaultTemplates() {
		engine.Add(tmpl)
	}
	return engine
}

func templateKey(from, to Role, id string) string {
	return fmt.Sprintf("%s_to_%s_%s", from, to, id)
}

func (e *Engine) Add(tmpl Template) {
	e.templates[templateKey(tmpl.FromRole, tmpl.ToRole, tmpl.ID)] = tmpl
}

// SelectTemplate picks the template for a sender/recipient role pair based
// on message content. An empty id means no transformation applies.
func (e *Engine) SelectTemplate(msg *Message, from, to Role) string {
	lower := strings.ToLower(msg.Content)
	switch {
	case from == RoleFrontend && to == RoleBackend:
		if containsAny(lower, "api", "endpoint", "implement") {
			return "api_request"
		}
	case from == RoleBackend && to == RoleFrontend:
		if containsAny(lower, "complete", "ready", "implemented") {
			return "api_ready"
		}
	case from == RoleOrchestrator && to == RoleFrontend:
		return "task"
	case from == RoleOrchestrator && to == RoleBackend:
		return "task"
	}
	return ""
}

// Transform renders the message through the named template and returns a
// context_enriched copy replying to the original. The original message is
// returned unchanged when the template is unknown.
func (e *Engine) Transform(msg *Message, from, to Role, templateID string, explicit map[string]string, providers map[string]ContextProvider) (*Message, bool) {
	tmpl, ok := e.templates[templateKey(from, to, templateID)]
	if !ok {
		return msg, false
	}

	context := e.resolveFields(msg, from, to, tmpl.Fields, explicit, providers)

	transformed := msg.clone()
	transformed.Type = TypeContextEnriched
	transformed.Content = tmpl.render(context)
	transformed.ReplyTo = msg.ID
	if transformed.Metadata == nil {
		transformed.Metadata = make(map[string]string)
	}
	transformed.Metadata["transform.from_role"] = string(from)
	transformed.Metadata["transform.to_role"] = string(to)
	transformed.Metadata["transform.template_id"] = templateID
	transformed.Metadata["transform.original_content"] = msg.Content
	return transformed, true
}

// resolveFields walks the resolver chain for every template field.
func (e *Engine) resolveFields(msg *Message, from, to Role, fields []string, explicit map[string]string, providers map[string]ContextProvider) map[string]string {
	context := map[string]string{
		"original_message": msg.Content,
		"from_agent":       string(from),
		"to_agent":         string(to),
		"timestamp":        msg.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
		"session_id":       msg.SessionID,
	}
	for key, value := range explicit {
		context[key] = value
	}

	provided := make(map[string]string)
	for agentID, provider := range providers {
		if provider == nil {
			continue
		}
		for key, value := range provider(msg, from, to) {
			provided[key] = value
			// Namespaced copy keeps fields from different agents apart.
			context[agentID+"_"+key] = value
		}
	}

	for _, field := range fields {
		if value, ok := context[field]; ok && value != "" {
			continue
		}
		if value, ok := provided[field]; ok && value != "" {
			context[field] = value
			continue
		}
		if value := extractField(field, msg); value != "" {
			context[field] = value
			continue
		}
		if value := e.roleDefault(field, from); value != "" {
			context[field] = value
			continue
		}
		if value, ok := e.defaults[field]; ok {
			context[field] = value
			continue
		}
		context[field] = fmt.Sprintf("[%s to be determined]", field)
	}
	return context
}

// extractField pulls a field value out of the message metadata or, for a few
// well-known fields, from lexical cues in the content.
func extractField(field string, msg *Message) string {
	if msg.Metadata != nil {
		if value, ok := msg.Metadata[field]; ok && value != "" {
			return value
		}
	}

	lower := strings.ToLower(msg.Content)
	switch field {
	case "functionality":
		switch {
		case strings.Contains(lower, "api"):
			return "API implementation"
		case strings.Contains(lower, "frontend"), strings.Contains(lower, "ui"):
			return "Frontend interface"
		case strings.Contains(lower, "backend"):
			return "Backend service"
		case strings.Contains(lower, "database"):
			return "Database operations"
		}
	case "requirements":
		switch {
		case strings.Contains(lower, "create"):
			return "Create new components"
		case strings.Contains(lower, "update"), strings.Contains(lower, "modify"):
			return "Update existing functionality"
		case strings.Contains(lower, "implement"):
			return "Implementation requirements"
		}
	case "api_endpoints":
		switch {
		case strings.Contains(lower, "endpoint"), strings.Contains(lower, "api"):
			return "RESTful API endpoints"
		case strings.Contains(lower, "route"):
			return "Application routes"
		}
	case "auth_required":
		if strings.Contains(lower, "auth") || strings.Contains(lower, "login") {
			return "Yes - authentication required"
		}
		return "To be determined based on requirements"
	}
	return ""
}

func (e *Engine) roleDefault(field string, from Role) string {
	switch from {
	case RoleFrontend:
		switch field {
		case "functionality":
			return "Frontend user interface development"
		case "requirements":
			return "User interface components and interactions"
		case "api_endpoints":
			return "Client-side API consumption endpoints"
		}
	case RoleBackend:
		switch field {
		case "functionality":
			return "Backend service implementation"
		case "requirements":
			return "Server-side logic and data management"
		case "api_endpoints":
			return "Server API endpoints and services"
		}
	}
	return ""
}

func defaultFieldValues() map[string]string {
	return map[string]string{
		"functionality":          "requested functionality",
		"requirements":           "to be determined",
		"endpoints":              "API endpoints to be defined",
		"validation_fields":      "to be determined",
		"auth_required":          "to be determined",
		"db_operations":          "to be specified",
		"response_format":        "JSON",
		"backend_stack":          "to be determined",
		"db_schema":              "to be defined",
		"auth_system":            "to be implemented",
		"api_standards":          "RESTful APIs",
		"integration_notes":      "standard integration patterns",
		"endpoint_type":          "RESTful endpoints",
		"implementation_summary": "implementation completed",
		"api_endpoints":          "endpoints available",
		"auth_details":           "authentication configured",
		"ui_components":          "to be created",
		"api_methods":            "to be implemented",
		"form_fields":            "to be defined",
		"auth_flow":              "standard authentication flow",
		"error_scenarios":        "standard error handling",
		"api_documentation":      "documentation available",
		"code_examples":          "examples provided",
		"state_updates":          "to be determined",
		"local_state":            "component-specific state",
		"cache_strategy":         "standard caching",
		"loading_states":         "loading indicators",
		"error_messages":         "user-friendly errors",
		"success_feedback":       "success notifications",
		"testing_requirements":   "standard testing",
		"project_objective":      "project development",
		"agent_role":             "specialized development role",
		"task_description":       "development task",
		"project_state":          "in progress",
		"backend_status":         "active",
		"frontend_status":        "active",
		"completed_work":         "previous work completed",
		"dependencies":           "no blocking dependencies",
		"next_handoff":           "coordinate with other agent",
		"technical_requirements": "standard requirements",
		"success_criteria":       "functional implementation",
		"resources":              "development resources available",
	}
}

func defaultTemplates() []Template {
	return []Template{
		{
			ID:       "api_request",
			FromRole: RoleFrontend,
			ToRole:   RoleBackend,
			Body: `BACKEND IMPLEMENTATION REQUEST:

**Context**: The frontend agent needs {functionality} implemented on the backend.

**Specific Requirements**:
{requirements}

**Technical Details**:
- Implement {endpoint_type} endpoints: {endpoints}
- Add data validation for: {validation_fields}
- Include authentication/authorization: {auth_required}
- Database operations needed: {db_operations}
- Return format: {response_format}

**Project Context**:
- Current backend architecture: {backend_stack}
- Database schema: {db_schema}
- Authentication system: {auth_system}
- API standards: {api_standards}

**Expected Deliverables**:
1. API endpoint implementation
2. Data models/schemas
3. Input validation
4. Error handling
5. Documentation of endpoints

**Integration Notes**:
{integration_notes}

Please implement the backend components and provide the API specification for frontend integration.`,
			Fields: []string{
				"functionality", "requirements", "endpoint_type", "endpoints",
				"validation_fields", "auth_required", "db_operations",
				"response_format", "backend_stack", "db_schema", "auth_system",
				"api_standards", "integration_notes",
			},
		},
		{
			ID:       "api_ready",
			FromRole: RoleBackend,
			ToRole:   RoleFrontend,
			Body: `FRONTEND INTEGRATION REQUEST:

**Backend Implementation Complete**: {implementation_summary}

**Available APIs**:
{api_endpoints}

**Authentication Requirements**:
{auth_details}

**Frontend Integration Tasks**:
1. Create UI components for: {ui_components}
2. Implement API client methods: {api_methods}
3. Add form validation for: {form_fields}
4. Handle authentication flow: {auth_flow}
5. Implement error handling for: {error_scenarios}

**API Details**:
{api_documentation}

**Sample Usage**:
{code_examples}

**State Management**:
- Global state updates needed: {state_updates}
- Local component state: {local_state}
- Cache management: {cache_strategy}

**UI/UX Requirements**:
- Loading states for: {loading_states}
- Error messages for: {error_messages}
- Success feedback for: {success_feedback}

**Testing Requirements**:
{testing_requirements}

Please integrate these APIs into the frontend and create the necessary user interface components.`,
			Fields: []string{
				"implementation_summary", "api_endpoints", "auth_details",
				"ui_components", "api_methods", "form_fields", "auth_flow",
				"error_scenarios", "api_documentation", "code_examples",
				"state_updates", "local_state", "cache_strategy",
				"loading_states", "error_messages", "success_feedback",
				"testing_requirements",
			},
		},
		{
			ID:       "task",
			FromRole: RoleOrchestrator,
			ToRole:   RoleFrontend,
			Body: `FRONTEND DEVELOPMENT TASK:

**Project Objective**: {project_objective}

**Your Specific Role**: {agent_role}

**Task Assignment**:
{task_description}

**Current Project State**:
{project_state}

**Collaboration Context**:
- Backend agent status: {backend_status}
- Previously completed work: {completed_work}
- Dependencies: {dependencies}
- Next expected handoff: {next_handoff}

**Technical Requirements**:
{technical_requirements}

**Success Criteria**:
{success_criteria}

**Resources Available**:
{resources}

Please proceed with the frontend implementation and coordinate with the backend agent as needed.`,
			Fields: []string{
				"project_objective", "agent_role", "task_description",
				"project_state", "backend_status", "completed_work",
				"dependencies", "next_handoff", "technical_requirements",
				"success_criteria", "resources",
			},
		},
		{
			ID:       "task",
			FromRole: RoleOrchestrator,
			ToRole:   RoleBackend,
			Body: `BACKEND DEVELOPMENT TASK:

**Project Objective**: {project_objective}

**Your Specific Role**: {agent_role}

**Task Assignment**:
{task_description}

**Current Project State**:
{project_state}

**Collaboration Context**:
- Frontend agent status: {frontend_status}
- Previously completed work: {completed_work}
- Dependencies: {dependencies}
- Next expected handoff: {next_handoff}

**Technical Requirements**:
{technical_requirements}

**Success Criteria**:
{success_criteria}

**Resources Available**:
{resources}

Please proceed with the backend implementation and coordinate with the frontend agent as needed.`,
			Fields: []string{
				"project_objective", "agent_role", "task_description",
				"project_state", "frontend_status", "completed_work",
				"dependencies", "next_handoff", "technical_requirements",
				"success_criteria", "resources",
			},
		},
	}
}
