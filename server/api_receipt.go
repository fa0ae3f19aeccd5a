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
	"time"

	"github.com/gorilla/mux"
)

type receiptRequest struct {
	Amount    float64 `json:"amount"`
	Store     string  `json:"store"`
	Category  string  `json:"category,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
	WifiSSID  string  `json:"wifi_ssid,omitempty"`
}

func (req *receiptRequest) toSubmission(idemKey string, source ReceiptSource) *ReceiptSubmission {
	sub := &ReceiptSubmission{
		Amount:         req.Amount,
		StoreName:      req.Store,
		Category:       req.Category,
		WifiSSID:       req.WifiSSID,
		IdempotencyKey: idemKey,
		Source:         source,
	}
	if req.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, req.Timestamp); err == nil {
			sub.Timestamp = ts.UTC()
		}
	}
	return sub
}

func idempotencyKey(r *http.Request) string {
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		return key
	}
	// Clients that skip the header still get a unique key; their retries
	// simply are not deduplicated.
	return newID()
}

func (s *ApiServer) receiptHandler(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.tenantFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	claims, err := s.authenticated(r, ActionSubmitReceipt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req receiptRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.coordinator.SubmitReceipt(r.Context(), tenant, claims.UserID,
		req.toSubmission(idempotencyKey(r), SourceMobile))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

type posPurchaseRequest struct {
	UserID string `json:"user_id"`
	receiptRequest
}

// posPurchaseHandler ingests POS-originated receipts submitted by service
// accounts on behalf of a player.
func (s *ApiServer) posPurchaseHandler(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.tenantFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	claims, err := s.authenticated(r, ActionPOSPurchase)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if claims.Role != string(RoleSystem) && claims.Role != string(RoleShopkeeper) {
		s.writeError(w, r, ErrForbidden)
		return
	}
	var req posPurchaseRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.UserID == "" {
		s.writeError(w, r, NewError(KindValidation, "user_id is required"))
		return
	}

	resp, err := s.coordinator.SubmitReceipt(r.Context(), tenant, req.UserID,
		req.toSubmission(idempotencyKey(r), SourcePOS))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

type reviewRequest struct {
	Verdict string `json:"verdict"`
}

func (s *ApiServer) receiptReviewHandler(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.tenantFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	claims, err := s.authenticated(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if claims.Role != string(RoleAdmin) && claims.Role != string(RoleCustomerService) {
		s.writeError(w, r, ErrForbidden)
		return
	}
	var req reviewRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Verdict != "approve" && req.Verdict != "reject" {
		s.writeError(w, r, NewError(KindValidation, "Verdict must be approve or reject"))
		return
	}

	receipt, err := s.coordinator.ReviewReceipt(r.Context(), tenant.ID, mux.Vars(r)["id"], req.Verdict == "approve", claims.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"receipt_id": receipt.ID, "state": string(receipt.State)})
}

func (s *ApiServer) receiptReverseHandler(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.tenantFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	claims, err := s.authenticated(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if claims.Role != string(RoleAdmin) {
		s.writeError(w, r, ErrForbidden)
		return
	}

	receipt, err := s.coordinator.ReverseReceipt(r.Context(), tenant.ID, mux.Vars(r)["id"], claims.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"receipt_id": receipt.ID, "state": string(receipt.State)})
}
