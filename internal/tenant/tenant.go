// Package tenant is the owner boundary: every document, execution, and
// chunk carries an owner_id, and that owner_id is an organization
// registered here. Organizations also carry a default workspace so
// uploads that name no workspace still land in a routable partition.
package tenant

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pixell07/multi-tenant-ai/internal/auth"
	"github.com/pixell07/multi-tenant-ai/internal/dbtx"
)

// Organization is the owner of documents; its ID is the owner_id the
// repositories propagate onto executions and chunks.
type Organization struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	DefaultWorkspace string    `json:"default_workspace"`
	CreatedAt        time.Time `json:"created_at"`
}

type User struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Repository runs against the pool or a transaction, like every other
// repository in the tree.
type Repository struct {
	db dbtx.DBTX
}

func NewRepository(db dbtx.DBTX) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateOrg(ctx context.Context, name, defaultWorkspace string) (*Organization, error) {
	org := &Organization{
		ID:               uuid.NewString(),
		Name:             name,
		DefaultWorkspace: defaultWorkspace,
		CreatedAt:        time.Now(),
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO organizations (id, name, default_workspace, created_at) VALUES ($1, $2, $3, $4)`,
		org.ID, org.Name, org.DefaultWorkspace, org.CreatedAt,
	)
	return org, err
}

func (r *Repository) FindOrgByID(ctx context.Context, id string) (*Organization, error) {
	org := &Organization{}
	err := r.db.QueryRow(ctx,
		`SELECT id, name, default_workspace, created_at FROM organizations WHERE id = $1`,
		id,
	).Scan(&org.ID, &org.Name, &org.DefaultWorkspace, &org.CreatedAt)
	if err != nil {
		return nil, err
	}
	return org, nil
}

func (r *Repository) CreateUser(ctx context.Context, u *User) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO users (id, owner_id, email, password_hash, role, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.OwnerID, u.Email, u.PasswordHash, u.Role, u.CreatedAt,
	)
	return err
}

func (r *Repository) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	u := &User{}
	err := r.db.QueryRow(ctx,
		`SELECT id, owner_id, email, password_hash, role, created_at
		 FROM users WHERE email = $1`,
		email,
	).Scan(&u.ID, &u.OwnerID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
}

type Service struct {
	repo *Repository
	jwt  *auth.JWTManager
}

func NewService(repo *Repository, jwt *auth.JWTManager) *Service {
	return &Service{repo: repo, jwt: jwt}
}

type RegisterRequest struct {
	OrgName          string `json:"org_name"`
	DefaultWorkspace string `json:"default_workspace"`
	Email            string `json:"email"`
	Password         string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token string        `json:"token"`
	User  *User         `json:"user"`
	Org   *Organization `json:"org"`
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*AuthResponse, error) {
	if req.Email == "" || req.Password == "" || req.OrgName == "" {
		return nil, errors.New("org_name, email and password are required")
	}
	if req.DefaultWorkspace == "" {
		req.DefaultWorkspace = "household"
	}

	org, err := s.repo.CreateOrg(ctx, req.OrgName, req.DefaultWorkspace)
	if err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &User{
		ID:           uuid.NewString(),
		OwnerID:      org.ID,
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         "admin",
		CreatedAt:    time.Now(),
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	token, err := s.jwt.Generate(org.ID, user.ID, user.Role, org.DefaultWorkspace)
	if err != nil {
		return nil, err
	}

	return &AuthResponse{Token: token, User: user, Org: org}, nil
}

// Login authenticates a user and returns a JWT carrying the owner and
// default-workspace claims the document handlers scope by.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	user, err := s.repo.FindUserByEmail(ctx, req.Email)
	if err != nil {
		return nil, errors.New("invalid credentials")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, errors.New("invalid credentials")
	}

	org, err := s.repo.FindOrgByID(ctx, user.OwnerID)
	if err != nil {
		return nil, errors.New("invalid credentials")
	}

	token, err := s.jwt.Generate(user.OwnerID, user.ID, user.Role, org.DefaultWorkspace)
	if err != nil {
		return nil, err
	}

	return &AuthResponse{Token: token, User: user, Org: org}, nil
}
