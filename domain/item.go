package domain

import (
	"strconv"
	"strings"
	"time"
)

// KanbanItem is a movable unit of work tracked inside one funnel stage.
type KanbanItem struct {
	ID                    int64           `json:"id"`
	AccountID             int64           `json:"account_id"`
	FunnelID              int64           `json:"funnel_id"`
	FunnelStage           string          `json:"funnel_stage"`
	Position              int             `json:"position"`
	StageEnteredAt        time.Time       `json:"stage_entered_at"`
	TimerStartedAt        *time.Time      `json:"timer_started_at,omitempty"`
	TimerDuration         int64           `json:"timer_duration"`
	ItemDetails           ItemDetails     `json:"item_details"`
	AssignedAgents        []AssignedAgent `json:"assigned_agents"`
	Checklist             []ChecklistItem `json:"checklist"`
	CustomAttributes      map[string]any  `json:"custom_attributes,omitempty"`
	ConversationDisplayID *int64          `json:"conversation_display_id,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// ItemDetails is the flexible JSON document carried by every item.
// Title is the only required field.
type ItemDetails struct {
	Title            string            `json:"title"`
	Description      string            `json:"description,omitempty"`
	Status           string            `json:"status,omitempty"`
	Priority         string            `json:"priority,omitempty"`
	Value            float64           `json:"value,omitempty"`
	Currency         *Currency         `json:"currency,omitempty"`
	AgentID          *int64            `json:"agent_id,omitempty"`
	ConversationID   *int64            `json:"conversation_id,omitempty"`
	DeadlineAt       *time.Time        `json:"deadline_at,omitempty"`
	SchedulingType   string            `json:"scheduling_type,omitempty"`
	Offers           []Offer           `json:"offers,omitempty"`
	Activities       []Activity        `json:"activities,omitempty"`
	Notes            []Note            `json:"notes,omitempty"`
	CustomAttributes []CustomAttribute `json:"custom_attributes,omitempty"`
}

// Currency describes how monetary values on the item are displayed.
type Currency struct {
	Symbol string `json:"symbol"`
	Code   string `json:"code"`
	Locale string `json:"locale"`
}

// Offer is a proposed value attached to an item.
type Offer struct {
	Value       float64   `json:"value"`
	Currency    *Currency `json:"currency,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Note is a free-form annotation on an item.
type Note struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	Author       string    `json:"author,omitempty"`
	AuthorID     *int64    `json:"author_id,omitempty"`
	AuthorAvatar string    `json:"author_avatar,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CustomAttribute is a funnel-defined attribute value stored on the item.
type CustomAttribute struct {
	Name  string `json:"name"`
	Type  string `json:"type,omitempty"`
	Value any    `json:"value,omitempty"`
}

// AssignedAgent records one agent assignment with its provenance.
type AssignedAgent struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name,omitempty"`
	Email      string    `json:"email,omitempty"`
	AvatarURL  string    `json:"avatar_url,omitempty"`
	AssignedAt time.Time `json:"assigned_at"`
	AssignedBy *int64    `json:"assigned_by,omitempty"`
}

// ChecklistItem is one entry of the item's checklist.
type ChecklistItem struct {
	ID        string     `json:"id"`
	Text      string     `json:"text"`
	Completed bool       `json:"completed"`
	AgentID   *int64     `json:"agent_id,omitempty"`
	Position  int        `json:"position"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// ValidationErrors collects field-keyed validation messages. It is
// returned to callers instead of an error so persistence faults stay
// distinguishable from bad input.
type ValidationErrors map[string][]string

func (v ValidationErrors) Add(field, msg string) {
	v[field] = append(v[field], msg)
}

// Empty reports whether validation passed.
func (v ValidationErrors) Empty() bool { return len(v) == 0 }

// Validate checks the invariants enforced on every create and update:
// a non-blank item_details.title and well-formed assigned agents.
func (i *KanbanItem) Validate() ValidationErrors {
	errs := ValidationErrors{}
	if strings.TrimSpace(i.ItemDetails.Title) == "" {
		errs.Add("item_details", "deve conter o campo title preenchido")
	}
	for idx, agent := range i.AssignedAgents {
		if agent.ID == 0 {
			errs.Add("assigned_agents", agentPositionError(idx))
		}
	}
	if i.AccountID == 0 {
		errs.Add("account_id", "must be present")
	}
	if i.FunnelID == 0 {
		errs.Add("funnel_id", "must be present")
	}
	if i.FunnelStage == "" {
		errs.Add("funnel_stage", "must be present")
	}
	return errs
}

func agentPositionError(idx int) string {
	return "agente na posição " + strconv.Itoa(idx) + " deve ter um ID"
}

// AgentAssigned reports whether the given agent already appears in the
// assignment list.
func (i *KanbanItem) AgentAssigned(agentID int64) bool {
	for _, a := range i.AssignedAgents {
		if a.ID == agentID {
			return true
		}
	}
	return false
}

// AssignAgent appends the agent to the assignment list. It returns
// false when the agent is already assigned; callers must check the
// result instead of expecting an error.
func (i *KanbanItem) AssignAgent(agent AssignedAgent) bool {
	if agent.ID == 0 || i.AgentAssigned(agent.ID) {
		return false
	}
	if agent.AssignedAt.IsZero() {
		agent.AssignedAt = time.Now().UTC()
	}
	i.AssignedAgents = append(i.AssignedAgents, agent)
	return true
}

// RemoveAgent drops the agent from the assignment list, returning
// false when the agent was not assigned.
func (i *KanbanItem) RemoveAgent(agentID int64) bool {
	for idx, a := range i.AssignedAgents {
		if a.ID == agentID {
			i.AssignedAgents = append(i.AssignedAgents[:idx], i.AssignedAgents[idx+1:]...)
			return true
		}
	}
	return false
}

// PrimaryAgent returns the first assigned agent, or nil.
func (i *KanbanItem) PrimaryAgent() *AssignedAgent {
	if len(i.AssignedAgents) == 0 {
		return nil
	}
	return &i.AssignedAgents[0]
}

// StartTimer begins time tracking. Starting an already-running timer
// is a no-op.
func (i *KanbanItem) StartTimer(now time.Time) bool {
	if i.TimerStartedAt != nil {
		return false
	}
	t := now.UTC()
	i.TimerStartedAt = &t
	return true
}

// StopTimer stops time tracking, accumulating the elapsed wall-clock
// seconds into TimerDuration. Stopping a stopped timer is a no-op.
func (i *KanbanItem) StopTimer(now time.Time) bool {
	if i.TimerStartedAt == nil {
		return false
	}
	elapsed := int64(now.Sub(*i.TimerStartedAt).Seconds())
	if elapsed > 0 {
		i.TimerDuration += elapsed
	}
	i.TimerStartedAt = nil
	return true
}

// TimeInCurrentStage returns the seconds elapsed since the item
// entered its current stage.
func (i *KanbanItem) TimeInCurrentStage(now time.Time) int64 {
	if i.StageEnteredAt.IsZero() {
		return 0
	}
	return int64(now.Sub(i.StageEnteredAt).Seconds())
}
