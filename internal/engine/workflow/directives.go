package workflow

import (
	"fmt"

	"snagline/internal/domain"
)

// Kind classifies a notification directive.
type Kind string

const (
	KindAssigned            Kind = "assigned"
	KindAuthorityAssigned   Kind = "authority_assigned"
	KindContractorCompleted Kind = "contractor_completed"
	KindAuthorityApproved   Kind = "authority_approved"
	KindResolved            Kind = "resolved"
)

// Recipient selects users either by id or by role.
type Recipient struct {
	UserID string
	Roles  []domain.Role
}

// Directive asks for one notification per selected recipient.
// Within one mutation a user receives at most one directive; earlier
// directives in the slice take precedence.
type Directive struct {
	Kind    Kind
	To      Recipient
	Message string
}

// CreationDirectives notifies the assigned contractor and every assigned
// authority of a new snag.
func CreationDirectives(s domain.Snag) []Directive {
	var out []Directive
	contractor := s.ContractorID()
	if contractor != "" {
		out = append(out, Directive{
			Kind:    KindAssigned,
			To:      Recipient{UserID: contractor},
			Message: fmt.Sprintf("New snag #%d assigned to you at %s - %s", s.QueryNo, s.ProjectName, s.Location),
		})
	}
	for _, id := range s.AuthorityIDs {
		if id == contractor {
			continue
		}
		out = append(out, Directive{
			Kind:    KindAuthorityAssigned,
			To:      Recipient{UserID: id},
			Message: fmt.Sprintf("New snag #%d created at %s - %s (You are an assigned authority)", s.QueryNo, s.ProjectName, s.Location),
		})
	}
	return out
}

// updateDirectives derives notifications for flags that became true and for
// a transition into resolved. The resolved notice is skipped for recipient
// classes the approval notice already reached.
func updateDirectives(s domain.Snag, contractorDone, approved, statusChanged bool) []Directive {
	var out []Directive
	contractor := s.ContractorID()
	notified := map[string]bool{}

	if approved {
		msg := fmt.Sprintf("Snag #%d approved by authority", s.QueryNo)
		if contractor != "" {
			out = append(out, Directive{Kind: KindAuthorityApproved, To: Recipient{UserID: contractor}, Message: msg})
			notified["contractor"] = true
		}
		if s.CreatedByID != "" {
			out = append(out, Directive{Kind: KindAuthorityApproved, To: Recipient{UserID: s.CreatedByID}, Message: msg})
			notified["creator"] = true
		}
	}
	if statusChanged && s.Status == domain.StatusResolved {
		if !notified["creator"] && s.CreatedByID != "" {
			out = append(out, Directive{
				Kind:    KindResolved,
				To:      Recipient{UserID: s.CreatedByID},
				Message: fmt.Sprintf("Snag #%d marked as RESOLVED (Contractor completed & Authority approved)", s.QueryNo),
			})
		}
		if !notified["contractor"] && contractor != "" {
			out = append(out, Directive{
				Kind:    KindResolved,
				To:      Recipient{UserID: contractor},
				Message: fmt.Sprintf("Snag #%d marked as RESOLVED", s.QueryNo),
			})
		}
	}
	if contractorDone {
		out = append(out, Directive{
			Kind:    KindContractorCompleted,
			To:      Recipient{Roles: []domain.Role{domain.RoleAuthority, domain.RoleManager}},
			Message: fmt.Sprintf("Snag #%d completed by contractor - pending your approval", s.QueryNo),
		})
	}
	return out
}
