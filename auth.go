package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/crypto/bcrypt"
)

const (
	roleStudent   = "student"
	roleProfessor = "professor"

	tokenCookieName = "classpulse_token"
)

var (
	errEmailTaken   = errors.New("email is already registered")
	errInvalidLogin = errors.New("invalid email or password")
)

// identity is the authenticated principal attached to a connection or
// request. The zero value is an anonymous (student-capability) caller.
type identity struct {
	userID string
	name   string
	role   string
}

func (i identity) isProfessor() bool {
	return i.role == roleProfessor
}

// authClaims is the JWT claims set carried by issued tokens.
type authClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name"`
	Role string `json:"role"`
}

func mintToken(cfg *Config, u User) (string, error) {
	now := time.Now()
	claims := &authClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "classpulse",
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.tokenTTL)),
		},
		Name: u.Name,
		Role: u.Role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.jwtSecret))
}

func parseToken(cfg *Config, raw string) (identity, error) {
	claims := &authClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.jwtSecret), nil
	})
	if err != nil {
		return identity{}, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return identity{}, errors.New("invalid token")
	}
	return identity{
		userID: claims.Subject,
		name:   claims.Name,
		role:   claims.Role,
	}, nil
}

// identityFromRequest resolves the caller's identity from a bearer
// header, a token query parameter, or the session cookie, in that
// order. A missing or invalid token degrades to anonymous rather than
// failing the request; role checks happen at the operations that need
// them.
func identityFromRequest(cfg *Config, r *http.Request) identity {
	raw := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		raw = strings.TrimPrefix(h, "Bearer ")
	}
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		if c, err := r.Cookie(tokenCookieName); err == nil {
			raw = c.Value
		}
	}
	if raw == "" {
		return identity{}
	}

	id, err := parseToken(cfg, raw)
	if err != nil {
		return identity{}
	}
	return id
}

// User is one registered account.
type User struct {
	ID    string
	Name  string
	Email string
	Role  string

	passwordHash string
}

// CreateUser registers an account with a bcrypt-hashed password.
func (s *Store) CreateUser(ctx context.Context, name, email, password, role string) (User, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE email = ?`, email).Scan(&exists)
	if err != nil {
		return User{}, fmt.Errorf("check email: %w", err)
	}
	if exists > 0 {
		return User{}, errEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	u := User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		Role:         role,
		passwordHash: string(hash),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, password_hash, role) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Email, u.passwordHash, u.Role)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// Authenticate checks credentials and returns the matching account.
func (s *Store) Authenticate(ctx context.Context, email, password string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, password_hash, role FROM users WHERE email = ?`, email).
		Scan(&u.ID, &u.Name, &u.Email, &u.passwordHash, &u.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, errInvalidLogin
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(u.passwordHash), []byte(password)) != nil {
		return User{}, errInvalidLogin
	}
	return u, nil
}

type credentialsPayload struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type authResponse struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
	Token string `json:"token"`
}

func setTokenCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func serveRegister(cfg *Config, store *Store, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var payload credentialsPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, apiError{Message: "Invalid user data"})

			return
		}

		payload.Email = strings.ToLower(strings.TrimSpace(payload.Email))
		payload.Name = strings.TrimSpace(payload.Name)
		if payload.Role == "" {
			payload.Role = roleStudent
		}

		switch {
		case payload.Name == "", payload.Email == "", payload.Password == "":
			writeJSON(w, http.StatusBadRequest, apiError{Message: "Invalid user data"})

			return
		case payload.Role != roleStudent && payload.Role != roleProfessor:
			writeJSON(w, http.StatusBadRequest, apiError{Message: "Invalid role"})

			return
		}

		u, err := store.CreateUser(r.Context(), payload.Name, payload.Email, payload.Password, payload.Role)
		if errors.Is(err, errEmailTaken) {
			writeJSON(w, http.StatusBadRequest, apiError{Message: "User already exists"})

			return
		}
		if err != nil {
			errs <- err
			writeJSON(w, http.StatusInternalServerError, apiError{Message: "Server Error"})

			return
		}

		token, err := mintToken(cfg, u)
		if err != nil {
			errs <- err
			writeJSON(w, http.StatusInternalServerError, apiError{Message: "Server Error"})

			return
		}

		logf(cfg, "USERS: Registered %q (%s) from %s", u.Name, u.Role, realIP(r))

		securityHeaders(cfg, w)
		setTokenCookie(w, token)
		writeJSON(w, http.StatusCreated, authResponse{
			ID:    u.ID,
			Name:  u.Name,
			Email: u.Email,
			Role:  u.Role,
			Token: token,
		})
	}
}

func serveLogin(cfg *Config, store *Store, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var payload credentialsPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, apiError{Message: "Invalid user data"})

			return
		}

		email := strings.ToLower(strings.TrimSpace(payload.Email))

		u, err := store.Authenticate(r.Context(), email, payload.Password)
		if errors.Is(err, errInvalidLogin) {
			writeJSON(w, http.StatusUnauthorized, apiError{Message: "Invalid email or password"})

			return
		}
		if err != nil {
			errs <- err
			writeJSON(w, http.StatusInternalServerError, apiError{Message: "Server Error"})

			return
		}

		token, err := mintToken(cfg, u)
		if err != nil {
			errs <- err
			writeJSON(w, http.StatusInternalServerError, apiError{Message: "Server Error"})

			return
		}

		logf(cfg, "USERS: Login %q (%s) from %s", u.Name, u.Role, realIP(r))

		securityHeaders(cfg, w)
		setTokenCookie(w, token)
		writeJSON(w, http.StatusOK, authResponse{
			ID:    u.ID,
			Name:  u.Name,
			Email: u.Email,
			Role:  u.Role,
			Token: token,
		})
	}
}

func registerUserAPI(cfg *Config, store *Store, mux *httprouter.Router, errs chan<- error) {
	mux.POST(cfg.prefix+"/api/users/register", serveRegister(cfg, store, errs))
	mux.POST(cfg.prefix+"/api/users/login", serveLogin(cfg, store, errs))
}
