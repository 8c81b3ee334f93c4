package domain

import (
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleManager    Role = "manager"
	RoleInspector  Role = "inspector"
	RoleContractor Role = "contractor"
	RoleAuthority  Role = "authority"
)

// Roles lists every known role in display order.
var Roles = []Role{RoleManager, RoleInspector, RoleContractor, RoleAuthority}

func (r Role) Valid() bool {
	switch r {
	case RoleManager, RoleInspector, RoleContractor, RoleAuthority:
		return true
	}
	return false
}

// Supervisor reports whether the role has unrestricted field access.
func (r Role) Supervisor() bool {
	return r == RoleManager || r == RoleInspector
}

// ParseRole normalizes s and rejects unknown roles.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", s)}
	}
	return r, nil
}

type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusVerified   Status = "verified"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved, StatusVerified:
		return true
	}
	return false
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         Role      `json:"role" enum:"manager,inspector,contractor,authority"`
	Phone        *string   `json:"phone,omitempty"`
	PushToken    *string   `json:"push_token,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Snag is the stored defect record. Authority assignment lives only in
// AuthorityIDs; the deprecated single-id field is derived by View.
type Snag struct {
	ID                       string
	QueryNo                  int
	Description              string
	Location                 string
	ProjectName              string
	PossibleSolution         *string
	UTMCoordinates           *string
	Photos                   []string
	Status                   Status
	Priority                 Priority
	CostEstimate             *float64
	DueDate                  *time.Time
	AssignedContractorID     *string
	AuthorityIDs             []string
	AuthorityFeedback        *string
	AuthorityComment         *string
	ContractorCompleted      bool
	AuthorityApproved        bool
	WorkStartedDate          *time.Time
	WorkCompletedDate        *time.Time
	ContractorCompletionDate *time.Time
	CreatedByID              string
	CreatedByName            string
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// ContractorID returns the assigned contractor or "".
func (s Snag) ContractorID() string {
	if s.AssignedContractorID == nil {
		return ""
	}
	return *s.AssignedContractorID
}

// PrimaryAuthorityID is the first assigned authority, or "" when none.
func (s Snag) PrimaryAuthorityID() string {
	if len(s.AuthorityIDs) == 0 {
		return ""
	}
	return s.AuthorityIDs[0]
}

// HasAuthority reports whether id is one of the assigned authorities.
func (s Snag) HasAuthority(id string) bool {
	for _, a := range s.AuthorityIDs {
		if a == id {
			return true
		}
	}
	return false
}

// NormalizeAuthorityIDs drops blanks and duplicates while keeping first-seen order.
func NormalizeAuthorityIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// PromoteAuthority moves primary to the front of ids, adding it when absent.
func PromoteAuthority(ids []string, primary string) []string {
	primary = strings.TrimSpace(primary)
	if primary == "" {
		return NormalizeAuthorityIDs(ids)
	}
	return NormalizeAuthorityIDs(append([]string{primary}, ids...))
}

// SnagView is the serialized form of a snag with names resolved.
type SnagView struct {
	ID                       string     `json:"id"`
	QueryNo                  int        `json:"query_no"`
	Description              string     `json:"description"`
	Location                 string     `json:"location"`
	ProjectName              string     `json:"project_name"`
	PossibleSolution         *string    `json:"possible_solution,omitempty"`
	UTMCoordinates           *string    `json:"utm_coordinates,omitempty"`
	Photos                   []string   `json:"photos"`
	Status                   Status     `json:"status" enum:"open,in_progress,resolved,verified"`
	Priority                 Priority   `json:"priority" enum:"high,medium,low"`
	CostEstimate             *float64   `json:"cost_estimate,omitempty"`
	DueDate                  *time.Time `json:"due_date,omitempty"`
	AssignedContractorID     *string    `json:"assigned_contractor_id,omitempty"`
	AssignedContractorName   *string    `json:"assigned_contractor_name,omitempty"`
	AssignedAuthorityID      *string    `json:"assigned_authority_id,omitempty" doc:"Deprecated: first element of assigned_authority_ids"`
	AssignedAuthorityName    *string    `json:"assigned_authority_name,omitempty"`
	AssignedAuthorityIDs     []string   `json:"assigned_authority_ids"`
	AssignedAuthorityNames   []string   `json:"assigned_authority_names"`
	AuthorityFeedback        *string    `json:"authority_feedback,omitempty"`
	AuthorityComment         *string    `json:"authority_comment,omitempty"`
	ContractorCompleted      bool       `json:"contractor_completed"`
	AuthorityApproved        bool       `json:"authority_approved"`
	WorkStartedDate          *time.Time `json:"work_started_date,omitempty"`
	WorkCompletedDate        *time.Time `json:"work_completed_date,omitempty"`
	ContractorCompletionDate *time.Time `json:"contractor_completion_date,omitempty"`
	CreatedByID              string     `json:"created_by_id"`
	CreatedByName            string     `json:"created_by_name"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

// View builds the serialized form. names resolves user ids to display
// names and returns "" for unknown ids; it may be nil.
func (s Snag) View(names func(id string) string) SnagView {
	if names == nil {
		names = func(string) string { return "" }
	}
	v := SnagView{
		ID:                       s.ID,
		QueryNo:                  s.QueryNo,
		Description:              s.Description,
		Location:                 s.Location,
		ProjectName:              s.ProjectName,
		PossibleSolution:         s.PossibleSolution,
		UTMCoordinates:           s.UTMCoordinates,
		Photos:                   s.Photos,
		Status:                   s.Status,
		Priority:                 s.Priority,
		CostEstimate:             s.CostEstimate,
		DueDate:                  s.DueDate,
		AssignedContractorID:     s.AssignedContractorID,
		AssignedAuthorityIDs:     append([]string{}, s.AuthorityIDs...),
		AssignedAuthorityNames:   []string{},
		AuthorityFeedback:        s.AuthorityFeedback,
		AuthorityComment:         s.AuthorityComment,
		ContractorCompleted:      s.ContractorCompleted,
		AuthorityApproved:        s.AuthorityApproved,
		WorkStartedDate:          s.WorkStartedDate,
		WorkCompletedDate:        s.WorkCompletedDate,
		ContractorCompletionDate: s.ContractorCompletionDate,
		CreatedByID:              s.CreatedByID,
		CreatedByName:            s.CreatedByName,
		CreatedAt:                s.CreatedAt,
		UpdatedAt:                s.UpdatedAt,
	}
	if v.Photos == nil {
		v.Photos = []string{}
	}
	if id := s.ContractorID(); id != "" {
		v.AssignedContractorName = optional(names(id))
	}
	if primary := s.PrimaryAuthorityID(); primary != "" {
		v.AssignedAuthorityID = &primary
	}
	for i, id := range s.AuthorityIDs {
		name := names(id)
		if name == "" {
			continue
		}
		if i == 0 {
			v.AssignedAuthorityName = optional(name)
		}
		v.AssignedAuthorityNames = append(v.AssignedAuthorityNames, name)
	}
	return v
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	SnagID    string    `json:"snag_id"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

type DashboardStats struct {
	TotalSnags        int `json:"total_snags"`
	OpenSnags         int `json:"open_snags"`
	InProgressSnags   int `json:"in_progress_snags"`
	ResolvedSnags     int `json:"resolved_snags"`
	VerifiedSnags     int `json:"verified_snags"`
	HighPrioritySnags int `json:"high_priority"`
}

type AuthoritySuggestion struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Count      int       `json:"count"`
	LastUsedAt time.Time `json:"last_used_at"`
}

type Event struct {
	ID         int64     `json:"id"`
	TS         time.Time `json:"ts"`
	Type       string    `json:"type"`
	Project    string    `json:"project_name,omitempty"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id,omitempty"`
	ActorID    string    `json:"actor_id"`
	Payload    string    `json:"payload_json"`
}
