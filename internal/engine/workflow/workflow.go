// Package workflow decides how a proposed snag update is applied: which
// fields the caller may touch, the resulting status, and who must be told.
// It performs no I/O.
package workflow

import (
	"fmt"
	"strings"
	"time"

	"snagline/internal/domain"
	"snagline/internal/engine/auth"
)

type Field string

const (
	FieldDescription              Field = "description"
	FieldLocation                 Field = "location"
	FieldProjectName              Field = "project_name"
	FieldPossibleSolution         Field = "possible_solution"
	FieldUTMCoordinates           Field = "utm_coordinates"
	FieldPhotos                   Field = "photos"
	FieldStatus                   Field = "status"
	FieldPriority                 Field = "priority"
	FieldCostEstimate             Field = "cost_estimate"
	FieldDueDate                  Field = "due_date"
	FieldAssignedContractorID     Field = "assigned_contractor_id"
	FieldAssignedAuthorityID      Field = "assigned_authority_id"
	FieldAssignedAuthorityIDs     Field = "assigned_authority_ids"
	FieldAuthorityFeedback        Field = "authority_feedback"
	FieldAuthorityComment         Field = "authority_comment"
	FieldContractorCompleted      Field = "contractor_completed"
	FieldAuthorityApproved        Field = "authority_approved"
	FieldWorkStartedDate          Field = "work_started_date"
	FieldWorkCompletedDate        Field = "work_completed_date"
	FieldContractorCompletionDate Field = "contractor_completion_date"
)

// fieldOrder fixes the order of Patch.Fields and Decision.Changed.
var fieldOrder = []Field{
	FieldDescription,
	FieldLocation,
	FieldProjectName,
	FieldPossibleSolution,
	FieldUTMCoordinates,
	FieldPhotos,
	FieldStatus,
	FieldPriority,
	FieldCostEstimate,
	FieldDueDate,
	FieldAssignedContractorID,
	FieldAssignedAuthorityID,
	FieldAssignedAuthorityIDs,
	FieldAuthorityFeedback,
	FieldAuthorityComment,
	FieldContractorCompleted,
	FieldAuthorityApproved,
	FieldWorkStartedDate,
	FieldWorkCompletedDate,
	FieldContractorCompletionDate,
}

var whitelist = map[domain.Role]map[Field]bool{
	domain.RoleContractor: {
		FieldContractorCompleted:      true,
		FieldWorkStartedDate:          true,
		FieldWorkCompletedDate:        true,
		FieldContractorCompletionDate: true,
	},
	domain.RoleAuthority: {
		FieldAuthorityApproved: true,
		FieldAuthorityFeedback: true,
		FieldAuthorityComment:  true,
		FieldStatus:            true,
	},
}

// Permitted reports whether role may write field.
func Permitted(role domain.Role, field Field) bool {
	if role.Supervisor() {
		return true
	}
	return whitelist[role][field]
}

// Patch is a partial update. A nil field is left untouched.
type Patch struct {
	Description              *string
	Location                 *string
	ProjectName              *string
	PossibleSolution         *string
	UTMCoordinates           *string
	Photos                   *[]string
	Status                   *domain.Status
	Priority                 *domain.Priority
	CostEstimate             *float64
	DueDate                  *time.Time
	AssignedContractorID     *string
	AssignedAuthorityID      *string
	AssignedAuthorityIDs     *[]string
	AuthorityFeedback        *string
	AuthorityComment         *string
	ContractorCompleted      *bool
	AuthorityApproved        *bool
	WorkStartedDate          *time.Time
	WorkCompletedDate        *time.Time
	ContractorCompletionDate *time.Time
}

// Fields returns the fields the patch touches.
func (p Patch) Fields() []Field {
	set := map[Field]bool{
		FieldDescription:              p.Description != nil,
		FieldLocation:                 p.Location != nil,
		FieldProjectName:              p.ProjectName != nil,
		FieldPossibleSolution:         p.PossibleSolution != nil,
		FieldUTMCoordinates:           p.UTMCoordinates != nil,
		FieldPhotos:                   p.Photos != nil,
		FieldStatus:                   p.Status != nil,
		FieldPriority:                 p.Priority != nil,
		FieldCostEstimate:             p.CostEstimate != nil,
		FieldDueDate:                  p.DueDate != nil,
		FieldAssignedContractorID:     p.AssignedContractorID != nil,
		FieldAssignedAuthorityID:      p.AssignedAuthorityID != nil,
		FieldAssignedAuthorityIDs:     p.AssignedAuthorityIDs != nil,
		FieldAuthorityFeedback:        p.AuthorityFeedback != nil,
		FieldAuthorityComment:         p.AuthorityComment != nil,
		FieldContractorCompleted:      p.ContractorCompleted != nil,
		FieldAuthorityApproved:        p.AuthorityApproved != nil,
		FieldWorkStartedDate:          p.WorkStartedDate != nil,
		FieldWorkCompletedDate:        p.WorkCompletedDate != nil,
		FieldContractorCompletionDate: p.ContractorCompletionDate != nil,
	}
	return ordered(set)
}

func ordered(set map[Field]bool) []Field {
	var out []Field
	for _, f := range fieldOrder {
		if set[f] {
			out = append(out, f)
		}
	}
	return out
}

// DeriveStatus returns the status implied by the two completion flags.
// An explicit override always wins; verified is never left by derivation.
func DeriveStatus(current domain.Status, contractorCompleted, authorityApproved bool, override *domain.Status) domain.Status {
	if override != nil {
		return *override
	}
	if current == domain.StatusVerified {
		return current
	}
	if contractorCompleted && authorityApproved {
		return domain.StatusResolved
	}
	if (contractorCompleted || authorityApproved) && current == domain.StatusOpen {
		return domain.StatusInProgress
	}
	return current
}

// Decision is the outcome of evaluating a patch.
type Decision struct {
	Snag           domain.Snag
	Changed        []Field
	PreviousStatus domain.Status
	Directives     []Directive
}

func (d Decision) StatusChanged() bool {
	return d.Snag.Status != d.PreviousStatus
}

// Evaluate applies p to current on behalf of actor. current is not modified.
// A field outside the actor's whitelist yields auth.ForbiddenError and no decision.
func Evaluate(current domain.Snag, actor domain.User, p Patch, now time.Time) (Decision, error) {
	if !actor.Role.Valid() {
		return Decision{}, auth.ForbiddenError{Role: actor.Role, Action: "update snags"}
	}
	for _, f := range p.Fields() {
		if !Permitted(actor.Role, f) {
			return Decision{}, auth.ForbiddenError{Role: actor.Role, Field: string(f)}
		}
	}
	if actor.Role == domain.RoleContractor && current.ContractorID() != actor.ID {
		return Decision{}, auth.ForbiddenError{Role: actor.Role, Action: auth.ActionUpdateSnag}
	}
	if err := validatePatch(p); err != nil {
		return Decision{}, err
	}

	next := clone(current)
	changed := map[Field]bool{}
	setString := func(f Field, dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
			changed[f] = true
		}
	}
	setOptional := func(f Field, dst **string, v *string) {
		if v != nil {
			*dst = optionalString(*v)
			changed[f] = true
		}
	}
	setTime := func(f Field, dst **time.Time, v *time.Time) {
		if v != nil {
			t := v.UTC()
			*dst = &t
			changed[f] = true
		}
	}

	setString(FieldDescription, &next.Description, p.Description)
	setString(FieldLocation, &next.Location, p.Location)
	setString(FieldProjectName, &next.ProjectName, p.ProjectName)
	setOptional(FieldPossibleSolution, &next.PossibleSolution, p.PossibleSolution)
	setOptional(FieldUTMCoordinates, &next.UTMCoordinates, p.UTMCoordinates)
	setOptional(FieldAssignedContractorID, &next.AssignedContractorID, p.AssignedContractorID)
	setOptional(FieldAuthorityFeedback, &next.AuthorityFeedback, p.AuthorityFeedback)
	setOptional(FieldAuthorityComment, &next.AuthorityComment, p.AuthorityComment)
	setTime(FieldDueDate, &next.DueDate, p.DueDate)
	setTime(FieldWorkStartedDate, &next.WorkStartedDate, p.WorkStartedDate)
	setTime(FieldWorkCompletedDate, &next.WorkCompletedDate, p.WorkCompletedDate)
	setTime(FieldContractorCompletionDate, &next.ContractorCompletionDate, p.ContractorCompletionDate)
	if p.Photos != nil {
		next.Photos = append([]string{}, (*p.Photos)...)
		changed[FieldPhotos] = true
	}
	if p.Priority != nil {
		next.Priority = *p.Priority
		changed[FieldPriority] = true
	}
	if p.CostEstimate != nil {
		v := *p.CostEstimate
		next.CostEstimate = &v
		changed[FieldCostEstimate] = true
	}

	// The list is the stored form; the singular field only promotes an id to the front.
	if p.AssignedAuthorityIDs != nil || p.AssignedAuthorityID != nil {
		ids := next.AuthorityIDs
		if p.AssignedAuthorityIDs != nil {
			ids = *p.AssignedAuthorityIDs
		}
		if p.AssignedAuthorityID != nil {
			ids = domain.PromoteAuthority(ids, *p.AssignedAuthorityID)
		}
		next.AuthorityIDs = domain.NormalizeAuthorityIDs(ids)
		changed[FieldAssignedAuthorityIDs] = true
	}

	contractorDone := p.ContractorCompleted != nil && *p.ContractorCompleted && !current.ContractorCompleted
	approved := p.AuthorityApproved != nil && *p.AuthorityApproved && !current.AuthorityApproved
	if p.ContractorCompleted != nil {
		next.ContractorCompleted = *p.ContractorCompleted
		changed[FieldContractorCompleted] = true
		if *p.ContractorCompleted {
			stamp := now.UTC()
			next.WorkCompletedDate = &stamp
			changed[FieldWorkCompletedDate] = true
		}
	}
	if p.AuthorityApproved != nil {
		next.AuthorityApproved = *p.AuthorityApproved
		changed[FieldAuthorityApproved] = true
	}
	if p.Status != nil || contractorDone || approved {
		next.Status = DeriveStatus(current.Status, next.ContractorCompleted, next.AuthorityApproved, p.Status)
		if p.Status != nil || next.Status != current.Status {
			changed[FieldStatus] = true
		}
	}
	delete(changed, FieldAssignedAuthorityID)

	d := Decision{
		Snag:           next,
		Changed:        ordered(changed),
		PreviousStatus: current.Status,
	}
	d.Directives = updateDirectives(next, contractorDone, approved, d.StatusChanged())
	return d, nil
}

func validatePatch(p Patch) error {
	for f, v := range map[Field]*string{
		FieldDescription: p.Description,
		FieldLocation:    p.Location,
		FieldProjectName: p.ProjectName,
	} {
		if v != nil && strings.TrimSpace(*v) == "" {
			return domain.ValidationError{Field: string(f), Reason: "must not be empty"}
		}
	}
	if p.Status != nil && !p.Status.Valid() {
		return domain.ValidationError{Field: string(FieldStatus), Reason: fmt.Sprintf("unknown status %q", *p.Status)}
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return domain.ValidationError{Field: string(FieldPriority), Reason: fmt.Sprintf("unknown priority %q", *p.Priority)}
	}
	return nil
}

func clone(s domain.Snag) domain.Snag {
	out := s
	out.Photos = append([]string(nil), s.Photos...)
	out.AuthorityIDs = append([]string(nil), s.AuthorityIDs...)
	return out
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
