// Package user manages the staff accounts behind the till login.
// Passwords are hashed with Argon2id; the role link feeds the
// authorization gate.
package user

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/tillside/internal/ident"
	"github.com/smallbiznis/tillside/internal/record"
	"github.com/smallbiznis/tillside/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrInvalidUsername = errors.New("invalid_username")
	ErrUsernameTaken   = errors.New("username_taken")
	ErrBadCredentials  = errors.New("bad_credentials")
)

type CreateRequest struct {
	Username string
	FullName string
	Password string
	RoleID   ident.RecordID
}

type User struct {
	ID       ident.RecordID
	Username string
	FullName string
	RoleID   ident.RecordID
	IsActive bool
}

type Params struct {
	fx.In

	Store *store.Store
	Log   *zap.Logger
}

type Service struct {
	store *store.Store
	log   *zap.Logger
}

func New(p Params) *Service {
	return &Service{store: p.Store, log: p.Log.Named("user")}
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (ident.RecordID, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" {
		return ident.RecordID{}, ErrInvalidUsername
	}
	existing, err := s.store.Query(ctx, "users", store.Q().Eq("username", username).Limit(1))
	if err != nil {
		return ident.RecordID{}, err
	}
	if len(existing) > 0 {
		return ident.RecordID{}, ErrUsernameTaken
	}
	hash, err := hashPassword(req.Password)
	if err != nil {
		return ident.RecordID{}, err
	}
	row := record.Record{
		"username":      username,
		"full_name":     req.FullName,
		"password_hash": hash,
		"is_active":     true,
	}
	if !req.RoleID.IsZero() {
		row["role_id"] = req.RoleID.Ref()
	}
	return s.store.Insert(ctx, "users", row)
}

// Authenticate resolves a username/password pair to the account. A
// deactivated account fails the same way a wrong password does.
func (s *Service) Authenticate(ctx context.Context, username, password string) (User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	recs, err := s.store.Query(ctx, "users", store.Q().Eq("username", username).Limit(1))
	if err != nil {
		return User{}, err
	}
	if len(recs) == 0 || !recs[0].Bool("is_active") {
		return User{}, ErrBadCredentials
	}
	if !verifyPassword(password, recs[0].String("password_hash")) {
		return User{}, ErrBadCredentials
	}
	return decodeUser(recs[0])
}

func (s *Service) Get(ctx context.Context, id ident.RecordID) (User, error) {
	rec, err := s.store.Get(ctx, "users", id)
	if err != nil {
		return User{}, err
	}
	return decodeUser(rec)
}

// SetPassword rehashes and replaces the stored credential.
func (s *Service) SetPassword(ctx context.Context, id ident.RecordID, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	n, err := s.store.Update(ctx, "users", record.Record{"password_hash": hash}, store.Q().ByID(id))
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Deactivate blocks future logins without destroying the audit linkage
// on past orders and sessions.
func (s *Service) Deactivate(ctx context.Context, id ident.RecordID) error {
	n, err := s.store.Update(ctx, "users", record.Record{"is_active": false}, store.Q().ByID(id))
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Service) List(ctx context.Context) ([]User, error) {
	recs, err := s.store.Query(ctx, "users", store.Q().OrderBy("username", false))
	if err != nil {
		return nil, err
	}
	users := make([]User, 0, len(recs))
	for _, rec := range recs {
		u, err := decodeUser(rec)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

func decodeUser(rec record.Record) (User, error) {
	id, err := ident.Parse(rec["id"])
	if err != nil {
		return User{}, err
	}
	u := User{
		ID:       id,
		Username: rec.String("username"),
		FullName: rec.String("full_name"),
		IsActive: rec.Bool("is_active"),
	}
	if !rec.IsNull("role_id") {
		if roleID, err := ident.Parse(rec["role_id"]); err == nil {
			u.RoleID = roleID
		}
	}
	return u, nil
}

var Module = fx.Module("user",
	fx.Provide(New),
)
