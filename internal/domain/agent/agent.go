// Package agent defines the externally configured reply agents, their
// actions, and the per-location configuration they draw on.
package agent

// ActionType names one of the fixed operations an agent may be instructed to take.
type ActionType string

const (
	ActionCalendarAvailability ActionType = "Text Calendar Availability"
	ActionBookAppointment      ActionType = "Book Appointment"
	ActionCancelAppointment    ActionType = "Cancel Appointment"
	ActionAddTag               ActionType = "Add Tag"
	ActionRemoveTag            ActionType = "Remove Tag"
	ActionInvokeWebhook        ActionType = "Invoke Webhook"
)

// PerLocationCalendar is the action parameter meaning the calendar is
// configured separately for each location.
const PerLocationCalendar = "Set the calendar for this action in each location individually"

// Agent is read-only configuration owned outside the core.
// An empty Locations list means the agent serves every location.
type Agent struct {
	ID        string   `json:"id"`
	CompanyID string   `json:"company_id"`
	Name      string   `json:"name"`
	Enabled   bool     `json:"enabled"`
	Locations []string `json:"locations"`
	Tags      []string `json:"tags"`
	PromptID  string   `json:"prompt_id"`
	Model     string   `json:"model"`
	APIKey    string   `json:"-"`
	Actions   []string `json:"actions"`
	Position  int      `json:"position"`
}

// HasTag reports whether the agent is configured for tag.
func (a *Agent) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Action is one configured instruction: when Trigger happens, take Type with Parameter.
type Action struct {
	ID        string     `json:"id"`
	Type      ActionType `json:"action_type"`
	Parameter string     `json:"action_parameter"`
	Trigger   string     `json:"trigger"`
}

// ActionCalendar overrides the calendar of an action for one location.
type ActionCalendar struct {
	LocationID   string `json:"location_id"`
	ActionID     string `json:"action_id"`
	CalendarID   string `json:"calendar_id"`
	CalendarName string `json:"calendar_name"`
}

// Location is a CRM sub-account belonging to a company.
type Location struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	Context   string `json:"context"`
	Timezone  string `json:"timezone"`
}

// Prompt is the base system prompt an agent references.
type Prompt struct {
	ID   string `json:"id"`
	Body string `json:"prompt"`
}
