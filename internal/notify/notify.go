// Package notify persists per-user notifications and pushes them to live
// sessions.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"snagline/internal/directory"
	"snagline/internal/domain"
	"snagline/internal/engine/workflow"
	"snagline/internal/logger"
	"snagline/internal/realtime"
	"snagline/internal/repo"
)

type Service struct {
	Repo      repo.Repo
	Directory *directory.Directory
	Live      realtime.Publisher
	Log       *logger.Logger
	Now       func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Service) log() *logger.Logger {
	if s.Log == nil {
		return logger.Nop()
	}
	return s.Log
}

// Create persists an unread notification for recipientID.
func (s Service) Create(ctx context.Context, recipientID, snagID, message string) (domain.Notification, error) {
	n := domain.Notification{
		ID:        uuid.NewString(),
		UserID:    recipientID,
		SnagID:    snagID,
		Message:   message,
		CreatedAt: s.now().UTC(),
	}
	if err := s.Repo.InsertNotification(ctx, n); err != nil {
		return domain.Notification{}, err
	}
	return n, nil
}

func (s Service) ListFor(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	return s.Repo.ListNotifications(ctx, userID, limit)
}

// MarkRead marks a notification read. Ids the user does not own are ignored.
func (s Service) MarkRead(ctx context.Context, id, userID string) error {
	if _, err := s.Repo.MarkNotificationRead(ctx, id, userID); err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

func (s Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return s.Repo.MarkAllNotificationsRead(ctx, userID)
}

func (s Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	return s.Repo.CountUnread(ctx, userID)
}

type target struct {
	userID  string
	message string
}

// resolve expands directives into per-user targets. A user is targeted at
// most once and the first directive naming them wins.
func (s Service) resolve(ctx context.Context, directives []workflow.Directive) []target {
	var out []target
	seen := map[string]bool{}
	add := func(userID, message string) {
		if userID == "" || seen[userID] {
			return
		}
		seen[userID] = true
		out = append(out, target{userID: userID, message: message})
	}
	for _, d := range directives {
		if d.To.UserID != "" {
			add(d.To.UserID, d.Message)
			continue
		}
		if len(d.To.Roles) == 0 || s.Directory == nil {
			continue
		}
		users, err := s.Directory.ListByRole(ctx, d.To.Roles...)
		if err != nil {
			s.log().Warn("resolve notification recipients", "kind", d.Kind, "error", err)
			continue
		}
		for _, u := range users {
			add(u.ID, d.Message)
		}
	}
	return out
}

// Dispatch persists one notification per resolved recipient, then pushes
// each persisted notification to its recipient's live session. Persistence
// failures are logged and skipped.
func (s Service) Dispatch(ctx context.Context, snagID string, directives []workflow.Directive) []domain.Notification {
	if len(directives) == 0 {
		return nil
	}
	var created []domain.Notification
	for _, t := range s.resolve(ctx, directives) {
		n, err := s.Create(ctx, t.userID, snagID, t.message)
		if err != nil {
			s.log().Error("persist notification", "user_id", t.userID, "snag_id", snagID, "error", err)
			continue
		}
		created = append(created, n)
	}
	if s.Live != nil {
		at := s.now()
		for _, n := range created {
			s.Live.SendToUser(ctx, n.UserID, realtime.NotificationEvent(n, at))
		}
	}
	return created
}
