package server

import (
	"encoding/json"
	"time"

	"snagline/internal/domain"
)

// Request payloads

type LoginRequest struct {
	Email    string `json:"email" format:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email    string  `json:"email"`
	Password string  `json:"password"`
	Name     string  `json:"name"`
	Role     string  `json:"role" enum:"manager,inspector,contractor,authority"`
	Phone    *string `json:"phone,omitempty"`
}

type PushTokenRequest struct {
	PushToken string `json:"push_token"`
}

// CreateSnagRequest leaves assigned_authority_ids without a default so an
// omitted key can be told apart from an empty list.
type CreateSnagRequest struct {
	Description          string   `json:"description"`
	Location             string   `json:"location"`
	ProjectName          string   `json:"project_name"`
	PossibleSolution     *string  `json:"possible_solution,omitempty"`
	UTMCoordinates       *string  `json:"utm_coordinates,omitempty"`
	Photos               []string `json:"photos,omitempty"`
	Priority             string   `json:"priority,omitempty" enum:"high,medium,low"`
	CostEstimate         *float64 `json:"cost_estimate,omitempty"`
	DueDate              *string  `json:"due_date,omitempty" doc:"RFC 3339 timestamp or YYYY-MM-DD"`
	AssignedContractorID *string  `json:"assigned_contractor_id,omitempty"`
	AssignedAuthorityID  *string  `json:"assigned_authority_id,omitempty" doc:"Deprecated: use assigned_authority_ids"`
	AssignedAuthorityIDs []string `json:"assigned_authority_ids,omitempty" nullable:"true"`
}

type UpdateSnagRequest struct {
	Description              *string   `json:"description,omitempty"`
	Location                 *string   `json:"location,omitempty"`
	ProjectName              *string   `json:"project_name,omitempty"`
	PossibleSolution         *string   `json:"possible_solution,omitempty"`
	UTMCoordinates           *string   `json:"utm_coordinates,omitempty"`
	Photos                   *[]string `json:"photos,omitempty" nullable:"true"`
	Status                   *string   `json:"status,omitempty" enum:"open,in_progress,resolved,verified"`
	Priority                 *string   `json:"priority,omitempty" enum:"high,medium,low"`
	CostEstimate             *float64  `json:"cost_estimate,omitempty"`
	DueDate                  *string   `json:"due_date,omitempty"`
	AssignedContractorID     *string   `json:"assigned_contractor_id,omitempty"`
	AssignedAuthorityID      *string   `json:"assigned_authority_id,omitempty" doc:"Deprecated: use assigned_authority_ids"`
	AssignedAuthorityIDs     *[]string `json:"assigned_authority_ids,omitempty" nullable:"true"`
	AuthorityFeedback        *string   `json:"authority_feedback,omitempty"`
	AuthorityComment         *string   `json:"authority_comment,omitempty"`
	ContractorCompleted      *bool     `json:"contractor_completed,omitempty"`
	AuthorityApproved        *bool     `json:"authority_approved,omitempty"`
	WorkStartedDate          *string   `json:"work_started_date,omitempty"`
	WorkCompletedDate        *string   `json:"work_completed_date,omitempty"`
	ContractorCompletionDate *string   `json:"contractor_completion_date,omitempty"`
}

// Response payloads

type UserResponse struct {
	ID        string      `json:"id"`
	Email     string      `json:"email"`
	Name      string      `json:"name"`
	Role      domain.Role `json:"role" enum:"manager,inspector,contractor,authority"`
	Phone     *string     `json:"phone,omitempty"`
	PushToken *string     `json:"push_token,omitempty"`
}

type TokenResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	User        UserResponse `json:"user"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type SuggestedAuthority struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	SnagCount    int       `json:"snag_count"`
	LastAssigned time.Time `json:"last_assigned"`
}

type SuggestedAuthoritiesResponse struct {
	SuggestedAuthorities []SuggestedAuthority `json:"suggested_authorities"`
}

type PreviousAuthorityResponse struct {
	AuthorityID    *string  `json:"authority_id"`
	AuthorityName  *string  `json:"authority_name"`
	AuthorityIDs   []string `json:"authority_ids"`
	AuthorityNames []string `json:"authority_names"`
}

type ProjectNamesResponse struct {
	Projects []string `json:"projects"`
}

type DeleteSnagResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
	QueryNo int    `json:"query_no"`
}

type EventResponse struct {
	ID          int64           `json:"id"`
	TS          time.Time       `json:"ts"`
	Type        string          `json:"type"`
	ProjectName string          `json:"project_name,omitempty"`
	EntityKind  string          `json:"entity_kind"`
	EntityID    string          `json:"entity_id,omitempty"`
	ActorID     string          `json:"actor_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Role:      u.Role,
		Phone:     u.Phone,
		PushToken: u.PushToken,
	}
}

func mapUsers(items []domain.User) []UserResponse {
	out := make([]UserResponse, 0, len(items))
	for _, u := range items {
		out = append(out, userResponse(u))
	}
	return out
}

func eventResponse(evt domain.Event) EventResponse {
	var payload json.RawMessage
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:          evt.ID,
		TS:          evt.TS,
		Type:        evt.Type,
		ProjectName: evt.Project,
		EntityKind:  evt.EntityKind,
		EntityID:    evt.EntityID,
		ActorID:     evt.ActorID,
		Payload:     payload,
	}
}
