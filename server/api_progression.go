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

	"github.com/gorilla/mux"
)

func (s *ApiServer) userHandler(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticated(r, ActionReadUser)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	targetID := mux.Vars(r)["id"]
	if targetID != claims.UserID && claims.Role != string(RoleAdmin) {
		s.writeError(w, r, ErrForbidden)
		return
	}

	dashboard, err := s.coordinator.Dashboard(r.Context(), claims.TenantID, targetID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dashboard)
}

func (s *ApiServer) missionsHandler(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticated(r, ActionReadUser)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	missions, err := s.coordinator.ListUserMissions(r.Context(), claims.TenantID, claims.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"missions": missions})
}

func (s *ApiServer) missionGenerateHandler(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.tenantFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	claims, err := s.authenticated(r, ActionGenMission)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	mission, err := s.coordinator.GenerateMission(r.Context(), tenant, claims)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, mission)
}

func (s *ApiServer) missionClaimHandler(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.tenantFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	claims, err := s.authenticated(r, ActionClaimMission)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.coordinator.ClaimMission(r.Context(), tenant, claims, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *ApiServer) leaderboardHandler(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticated(r, ActionReadBoard)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	kind := LeaderboardKind(mux.Vars(r)["kind"])
	entries, err := s.coordinator.Leaderboard(r.Context(), claims.TenantID, kind, limitParam(r, 20))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"kind": kind, "entries": entries})
}

func (s *ApiServer) notificationsHandler(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticated(r, ActionReadUser)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	notifications, err := s.coordinator.ListUserNotifications(r.Context(), claims.TenantID, claims.UserID, limitParam(r, 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": notifications})
}

func (s *ApiServer) notificationReadHandler(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticated(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.coordinator.MarkNotificationRead(r.Context(), claims.TenantID, claims.UserID, mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"read": true})
}

func (s *ApiServer) empireHandler(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticated(r, ActionReadUser)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	facilities, err := s.coordinator.ListEmpire(r.Context(), claims.TenantID, claims.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"facilities": facilities})
}

func (s *ApiServer) empireCollectHandler(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticated(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.coordinator.CollectEmpire(r.Context(), claims.TenantID, claims.UserID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *ApiServer) empireUpgradeHandler(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticated(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	facility, err := s.coordinator.UpgradeEmpire(r.Context(), claims.TenantID, claims.UserID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, facility)
}

func (s *ApiServer) companionsHandler(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticated(r, ActionReadUser)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	companions, err := s.coordinator.ListCompanions(r.Context(), claims.TenantID, claims.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"companions": companions})
}

func (s *ApiServer) companionInteractHandler(interaction string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.authenticated(r, "")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		companion, err := s.coordinator.InteractCompanion(r.Context(), claims.TenantID, claims.UserID, mux.Vars(r)["id"], interaction)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, companion)
	}
}
