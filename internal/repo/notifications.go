package repo

import (
	"context"
	"fmt"

	"snagline/internal/domain"
)

type notificationRow struct {
	ID        string `db:"id"`
	UserID    string `db:"user_id"`
	SnagID    string `db:"snag_id"`
	Message   string `db:"message"`
	Read      bool   `db:"is_read"`
	CreatedAt string `db:"created_at"`
}

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notifications(id,user_id,snag_id,message,is_read,created_at) VALUES (?,?,?,?,?,?)`,
		n.ID, n.UserID, n.SnagID, n.Message, n.Read, FormatTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns a user's notifications newest first.
func (r Repo) ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []notificationRow
	err := r.DB.SelectContext(ctx, &rows, `SELECT id,user_id,snag_id,message,is_read,created_at FROM notifications
WHERE user_id=? ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	res := make([]domain.Notification, 0, len(rows))
	for _, row := range rows {
		created, err := parseTime(row.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("notification %s created_at: %w", row.ID, err)
		}
		res = append(res, domain.Notification{
			ID:        row.ID,
			UserID:    row.UserID,
			SnagID:    row.SnagID,
			Message:   row.Message,
			Read:      row.Read,
			CreatedAt: created,
		})
	}
	return res, nil
}

// MarkNotificationRead flips read on a notification owned by userID and
// reports how many rows changed. Foreign or unknown ids change nothing.
func (r Repo) MarkNotificationRead(ctx context.Context, id, userID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET is_read=1 WHERE id=? AND user_id=? AND is_read=0`, id, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET is_read=1 WHERE user_id=? AND is_read=0`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) CountUnread(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM notifications WHERE user_id=? AND is_read=0`, userID)
	return n, err
}
