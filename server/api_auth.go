// Copyright 2024 The MallQuest Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"net/http"
)

type registerRequest struct {
	Handle      string `json:"handle"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type authResponse struct {
	User   UserTotals `json:"user"`
	Tokens *TokenPair `json:"tokens"`
}

func (s *ApiServer) registerHandler(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.tenantFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.coordinator.AdmitPublic(r.Context(), ActionRegister, clientIP(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	user, tokens, err := s.authGate.Register(r.Context(), tenant.ID, req.Handle, req.Password, req.DisplayName,
		RolePlayer, clientIP(r), r.UserAgent())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, &authResponse{User: userTotals(user), Tokens: tokens})
}

type loginRequest struct {
	Handle   string `json:"handle"`
	Password string `json:"password"`
	MFACode  string `json:"mfa_code,omitempty"`
}

func (s *ApiServer) loginHandler(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.tenantFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.coordinator.AdmitPublic(r.Context(), ActionLogin, clientIP(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	user, tokens, err := s.authGate.Login(r.Context(), tenant.ID, req.Handle, req.Password, req.MFACode,
		clientIP(r), r.UserAgent())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, &authResponse{User: userTotals(user), Tokens: tokens})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *ApiServer) refreshHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.AdmitPublic(r.Context(), ActionRefresh, clientIP(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tokens, err := s.authGate.Refresh(r.Context(), req.RefreshToken, clientIP(r), r.UserAgent())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]*TokenPair{"tokens": tokens})
}

func (s *ApiServer) logoutHandler(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		s.writeError(w, r, ErrUnauthenticated)
		return
	}
	if err := s.authGate.Revoke(r.Context(), token, clientIP(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (s *ApiServer) mfaSetupHandler(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticated(r, ActionMFASetup)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	enrollment, err := s.authGate.MFASetup(r.Context(), claims.TenantID, claims.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, enrollment)
}

type mfaVerifyRequest struct {
	Code string `json:"code"`
}

func (s *ApiServer) mfaVerifyHandler(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticated(r, ActionMFAVerify)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req mfaVerifyRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authGate.MFAConfirm(r.Context(), claims.TenantID, claims.UserID, req.Code); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}
