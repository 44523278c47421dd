/*
Copyright 2026 CampusFlow, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	jsoniter "github.com/json-iterator/go"

	"github.com/campusflow/lms-client/api"
	"github.com/campusflow/lms-client/auth/state"
	"github.com/campusflow/lms-client/lib/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	loginPath    = "/api/auth/login"
	registerPath = "/api/auth/register"
	logoutPath   = "/api/auth/logout"
	profilePath  = "/api/auth/profile"
)

// Role is an LMS account role.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// User is the profile of the signed-in account.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// LoginInput holds email+password credentials.
type LoginInput struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

// RegisterInput holds a new account.
type RegisterInput struct {
	Name     string `validate:"required"`
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=6"`
	Role     Role   `validate:"required,oneof=student teacher admin"`
}

// sessionResponse is the body of a login or registration. Older backend
// builds answer with `token` instead of `accessToken`.
type sessionResponse struct {
	Token        string `json:"token"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	User         *User  `json:"user"`
}

func (r *sessionResponse) credentials() (*state.Credentials, error) {
	token := r.AccessToken
	if token == "" {
		token = r.Token
	}
	if token == "" {
		return nil, trace.BadParameter("server response does not contain a token")
	}
	return &state.Credentials{AccessToken: token, RefreshToken: r.RefreshToken}, nil
}

type profileResponse struct {
	User *User `json:"user"`
}

// Config configures the auth Service.
type Config struct {
	Client *api.Client
	Clock  clockwork.Clock
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing API client")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Service signs users in and out of the LMS and keeps the session in the
// client's credential store.
type Service struct {
	client   *api.Client
	store    state.Store
	clock    clockwork.Clock
	validate *validator.Validate
}

// NewService creates an auth Service.
func NewService(conf Config) (*Service, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{
		client:   conf.Client,
		store:    conf.Client.Store(),
		clock:    conf.Clock,
		validate: validator.New(),
	}, nil
}

// Login signs in with email and password and stores the issued session.
func (s *Service) Login(ctx context.Context, in LoginInput) (*User, error) {
	in.Email = strings.TrimSpace(in.Email)
	if err := s.check(in); err != nil {
		return nil, trace.Wrap(err)
	}
	form := map[string]string{
		"email":    in.Email,
		"password": in.Password,
	}
	return s.startSession(ctx, loginPath, form)
}

// Register creates an account and signs it in.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)
	if err := s.check(in); err != nil {
		return nil, trace.Wrap(err)
	}
	form := map[string]string{
		"name":     in.Name,
		"email":    in.Email,
		"password": in.Password,
		"role":     string(in.Role),
	}
	return s.startSession(ctx, registerPath, form)
}

func (s *Service) startSession(ctx context.Context, path string, form map[string]string) (*User, error) {
	var result sessionResponse
	req := api.PostForm(path, form, nil, &result)
	req.SkipAuth = true
	if _, err := s.client.Do(ctx, req); err != nil {
		return nil, trace.Wrap(err)
	}

	creds, err := result.credentials()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.client.StartSession(ctx, creds); err != nil {
		return nil, trace.Wrap(err)
	}
	if result.User != nil {
		if err := s.cacheUser(ctx, result.User); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if creds.RefreshToken == "" {
		logger.Get(ctx).Warn("Server did not issue a refresh token, the session will end when the access token expires")
	}
	return result.User, nil
}

// Logout ends the session on the server. The local session is wiped even
// when the server call fails.
func (s *Service) Logout(ctx context.Context) error {
	_, callErr := s.client.Do(ctx, api.Post(logoutPath, nil, nil))
	if api.IsAuthExpired(callErr) {
		// Already wiped.
		callErr = nil
	}
	clearErr := s.client.ClearSession(ctx)
	return trace.NewAggregate(callErr, clearErr)
}

// Profile fetches the signed-in user and refreshes the cached copy.
func (s *Service) Profile(ctx context.Context) (*User, error) {
	var result profileResponse
	if _, err := s.client.Do(ctx, api.Get(profilePath, &result)); err != nil {
		return nil, trace.Wrap(err)
	}
	if result.User == nil {
		return nil, trace.BadParameter("server response does not contain `user`")
	}
	if err := s.cacheUser(ctx, result.User); err != nil {
		return nil, trace.Wrap(err)
	}
	return result.User, nil
}

// CachedUser returns the user cached by the last login or profile fetch.
func (s *Service) CachedUser(ctx context.Context) (*User, error) {
	blob, err := s.store.Get(ctx, state.UserKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var user User
	if err := json.Unmarshal([]byte(blob), &user); err != nil {
		return nil, trace.Wrap(err, "cached user is corrupted")
	}
	return &user, nil
}

func (s *Service) cacheUser(ctx context.Context, user *User) error {
	blob, err := json.Marshal(user)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.store.Set(ctx, state.UserKey, string(blob)))
}

func (s *Service) check(in interface{}) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return trace.Wrap(err)
	}
	fields := make([]string, 0, len(errs))
	for _, fe := range errs {
		fields = append(fields, strings.ToLower(fe.Field()))
	}
	return trace.BadParameter("invalid %s", strings.Join(fields, ", "))
}
