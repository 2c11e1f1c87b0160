package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/keygate-dev/keygate/internal/apperr"
	"github.com/keygate-dev/keygate/internal/auth"
	"github.com/keygate-dev/keygate/internal/model"
)

type registerRequest struct {
	FullName string `json:"fullName" validate:"required,min=2,max=100"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=128"`
	DeviceID string `json:"deviceId" validate:"required,uuid4"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type verifyOtpRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Otp      string `json:"otp" validate:"required,numeric"`
	DeviceID string `json:"deviceId" validate:"required,uuid4"`
}

type sendOtpRequest struct {
	Email   string `json:"email" validate:"required,email"`
	Purpose string `json:"purpose" validate:"required,oneof=signup login password_reset phone_verify"`
}

type refreshRequest struct {
	DeviceID string `json:"deviceId" validate:"required,uuid4"`
}

type logoutRequest struct {
	DeviceID     string `json:"deviceId" validate:"required,uuid4"`
	RefreshToken string `json:"refreshToken"`
}

type forgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type resetPasswordRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Otp         string `json:"otp" validate:"required,numeric"`
	NewPassword string `json:"newPassword" validate:"required,min=8,max=128"`
}

type tokenPairResponse struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	User         *model.User `json:"user,omitempty"`
}

// decodeValid decodes the JSON body into dst and runs tag validation.
func (s *Server) decodeValid(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.ValidationFailed("malformed request body")
	}
	if err := s.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return apperr.ValidationFailed(fmt.Sprintf(
				"invalid field %q: failed %q check",
				strings.ToLower(fe.Field()[:1])+fe.Field()[1:], fe.Tag(),
			))
		}
		return apperr.ValidationFailed("invalid request")
	}
	return nil
}

func (s *Server) deviceContext(r *http.Request, deviceID string) model.DeviceContext {
	return model.DeviceContext{
		DeviceID:  deviceID,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := s.decodeValid(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	err := s.auth.Register(r.Context(), auth.RegisterInput{
		FullName: req.FullName,
		Email:    req.Email,
		Password: req.Password,
		DeviceID: req.DeviceID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, "account created, verification code sent", nil)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := s.decodeValid(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.auth.Login(r.Context(), req.Email, req.Password); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "verification code sent", nil)
}

func (s *Server) handleVerifyOtp(purpose model.OtpPurpose) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req verifyOtpRequest
		if err := s.decodeValid(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		pair, err := s.auth.VerifyOtp(
			r.Context(), req.Email, req.Otp, purpose,
			s.deviceContext(r, req.DeviceID),
		)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, "verified", tokenPairResponse{
			AccessToken:  pair.AccessToken,
			RefreshToken: pair.RefreshToken,
			User:         pair.User,
		})
	}
}

func (s *Server) handleSendOtp(w http.ResponseWriter, r *http.Request) {
	var req sendOtpRequest
	if err := s.decodeValid(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.auth.ResendOtp(r.Context(), req.Email, model.OtpPurpose(req.Purpose)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "verification code sent", nil)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw, ok := refreshToken(r)
	if !ok {
		s.writeError(w, r, apperr.Unauthorized("missing refresh token"))
		return
	}

	var req refreshRequest
	if err := s.decodeValid(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	pair, err := s.auth.Refresh(r.Context(), raw, s.deviceContext(r, req.DeviceID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "session refreshed", tokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r.Context())
	if !ok {
		s.writeError(w, r, apperr.Unauthorized("missing bearer token"))
		return
	}

	var req logoutRequest
	if err := s.decodeValid(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	err := s.auth.Logout(
		r.Context(),
		claims.ID,
		claims.ExpiresAt.Time,
		req.RefreshToken,
		s.deviceContext(r, req.DeviceID),
	)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r.Context())
	if !ok {
		s.writeError(w, r, apperr.Unauthorized("missing bearer token"))
		return
	}
	writeData(w, http.StatusOK, "authenticated", map[string]any{"user": user})
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := s.decodeValid(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.auth.ForgotPassword(r.Context(), req.Email); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "if the account exists, a reset code was sent", nil)
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := s.decodeValid(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.auth.ResetPassword(r.Context(), req.Email, req.Otp, req.NewPassword); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "password updated, sign in again", nil)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type dep struct {
		Name string `json:"name"`
		Up   bool   `json:"up"`
	}
	deps := []dep{
		{Name: "mongo", Up: s.store.Ping(r.Context()) == nil},
		{Name: "redis", Up: s.cache.Ping(r.Context()) == nil},
	}

	status := http.StatusOK
	for _, d := range deps {
		if !d.Up {
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, envelope{
		Success: status == http.StatusOK,
		Status:  status,
		Message: "health",
		Data:    map[string]any{"dependencies": deps},
	})
}
