package engine

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"snagline/internal/domain"
	"snagline/internal/engine/auth"
	"snagline/internal/events"
	"snagline/internal/repo"
)

var ErrInvalidCredentials = errors.New("incorrect email or password")

const minPasswordLength = 6

type UserCreateOptions struct {
	Email    string
	Password string
	Name     string
	Role     string
	Phone    string
}

func (o UserCreateOptions) validate() (domain.Role, error) {
	if _, err := mail.ParseAddress(strings.TrimSpace(o.Email)); err != nil {
		return "", domain.ValidationError{Field: "email", Reason: "must be a valid address"}
	}
	if strings.TrimSpace(o.Name) == "" {
		return "", domain.ValidationError{Field: "name", Reason: "is required"}
	}
	if len(o.Password) < minPasswordLength {
		return "", domain.ValidationError{Field: "password", Reason: fmt.Sprintf("must be at least %d characters", minPasswordLength)}
	}
	return domain.ParseRole(o.Role)
}

// RegisterUser creates an account. Only managers may register users.
func (e Engine) RegisterUser(ctx context.Context, actor domain.User, opts UserCreateOptions) (domain.User, error) {
	if err := auth.Require(actor.Role, auth.ActionRegisterUser); err != nil {
		return domain.User{}, err
	}
	return e.CreateUser(ctx, opts, actor.ID)
}

// CreateUser creates an account without a permission check. It backs the
// CLI and startup seeding.
func (e Engine) CreateUser(ctx context.Context, opts UserCreateOptions, actorID string) (domain.User, error) {
	role, err := opts.validate()
	if err != nil {
		return domain.User{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(opts.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	u := domain.User{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(strings.TrimSpace(opts.Email)),
		Name:         strings.TrimSpace(opts.Name),
		Role:         role,
		Phone:        trimmed(&opts.Phone),
		PasswordHash: string(hash),
		CreatedAt:    e.now().UTC(),
	}
	if actorID == "" {
		actorID = u.ID
	}

	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUserTx(ctx, tx, u); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return domain.User{}, domain.ValidationError{Field: "email", Reason: "already registered"}
		}
		return domain.User{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       events.UserCreated,
		EntityKind: entityUser,
		EntityID:   u.ID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"email": u.Email, "role": u.Role},
	}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	e.log().Info("user created", "user_id", u.ID, "role", u.Role)
	return u, nil
}

// Login checks a password. Unknown emails and wrong passwords both yield
// ErrInvalidCredentials.
func (e Engine) Login(ctx context.Context, email, password string) (domain.User, error) {
	u, err := e.Repo.GetUserByEmail(ctx, email)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return domain.User{}, ErrInvalidCredentials
	}
	return u, nil
}

// EnsureManager seeds a manager account when no manager exists yet.
func (e Engine) EnsureManager(ctx context.Context, opts UserCreateOptions) (domain.User, bool, error) {
	managers, err := e.Repo.ListUsers(ctx, domain.RoleManager)
	if err != nil {
		return domain.User{}, false, err
	}
	if len(managers) > 0 {
		return managers[0], false, nil
	}
	opts.Role = string(domain.RoleManager)
	u, err := e.CreateUser(ctx, opts, "")
	if err != nil {
		return domain.User{}, false, err
	}
	return u, true, nil
}

func (e Engine) GetUser(ctx context.Context, id string) (domain.User, error) {
	return e.Repo.GetUser(ctx, id)
}

func (e Engine) UpdatePushToken(ctx context.Context, actor domain.User, token string) error {
	if err := e.Repo.UpdatePushToken(ctx, actor.ID, strings.TrimSpace(token)); err != nil {
		return err
	}
	if e.Directory != nil {
		e.Directory.Forget(actor.ID)
	}
	return nil
}

func (e Engine) Users(ctx context.Context) ([]domain.User, error) {
	return e.Repo.ListUsers(ctx)
}

func (e Engine) Contractors(ctx context.Context) ([]domain.User, error) {
	return e.Repo.ListUsers(ctx, domain.RoleContractor)
}

func (e Engine) Authorities(ctx context.Context) ([]domain.User, error) {
	return e.Repo.ListUsers(ctx, domain.RoleAuthority)
}
