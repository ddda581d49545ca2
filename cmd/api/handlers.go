package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mediaflow/anytime"
	"mediaflow/auth"
	"mediaflow/territory"
)

type windowResponse struct {
	ID                 string  `json:"id"`
	ListingID          string  `json:"listingId"`
	TerritoryID        string  `json:"territoryId"`
	StartDate          string  `json:"startDate"`
	EndDate            string  `json:"endDate"`
	AccessInstructions string  `json:"accessInstructions"`
	IsVacant           bool    `json:"isVacant"`
	HasLockbox         bool    `json:"hasLockbox"`
	Status             string  `json:"status"`
	ClaimedBy          *string `json:"claimedBy"`
	ClaimedAt          *string `json:"claimedAt"`
	ScheduledDate      *string `json:"scheduledDate"`
	AssignedWorkerID   *string `json:"assignedWorkerId,omitempty"`
	Priority           string  `json:"priority"`
	IsExpedited        bool    `json:"isExpedited"`
	CancelReason       *string `json:"cancelReason,omitempty"`
	CreatedAt          string  `json:"createdAt,omitempty"`
	UpdatedAt          string  `json:"updatedAt,omitempty"`
}

func toWindowResponse(w anytime.FlexibleWindow) windowResponse {
	resp := windowResponse{
		ID:                 w.ID,
		ListingID:          w.ListingID,
		TerritoryID:        w.TerritoryID,
		StartDate:          anytime.FormatDate(w.StartDate),
		EndDate:            anytime.FormatDate(w.EndDate),
		AccessInstructions: w.AccessInstructions,
		IsVacant:           w.IsVacant,
		HasLockbox:         w.HasLockbox,
		Status:             string(w.Status),
		AssignedWorkerID:   w.AssignedWorkerID,
		Priority:           string(w.Priority),
		IsExpedited:        w.IsExpedited,
		CancelReason:       w.CancelReason,
	}
	if w.Claim != nil {
		worker := w.Claim.WorkerID
		at := w.Claim.ClaimedAt.UTC().Format(time.RFC3339)
		resp.ClaimedBy = &worker
		resp.ClaimedAt = &at
	}
	if w.ScheduledDate != nil {
		day := anytime.FormatDate(*w.ScheduledDate)
		resp.ScheduledDate = &day
	}
	if !w.CreatedAt.IsZero() {
		resp.CreatedAt = w.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !w.UpdatedAt.IsZero() {
		resp.UpdatedAt = w.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func toWindowList(ws []anytime.FlexibleWindow) []windowResponse {
	out := make([]windowResponse, 0, len(ws))
	for _, w := range ws {
		out = append(out, toWindowResponse(w))
	}
	return out
}

type territoryResponse struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Region    []string `json:"region"`
	Active    bool     `json:"active"`
	CreatedAt string   `json:"createdAt"`
}

func toTerritoryResponse(t territory.Territory) territoryResponse {
	region := t.Region
	if region == nil {
		region = []string{}
	}
	return territoryResponse{
		ID:        t.ID,
		Name:      t.Name,
		Region:    region,
		Active:    t.Active,
		CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type createWindowRequest struct {
	ListingID          string `json:"listingId"`
	TerritoryID        string `json:"territoryId"`
	StartDate          string `json:"startDate"`
	EndDate            string `json:"endDate"`
	AccessInstructions string `json:"accessInstructions"`
	IsVacant           bool   `json:"isVacant"`
	HasLockbox         bool   `json:"hasLockbox"`
	Priority           string `json:"priority"`
	IsExpedited        bool   `json:"isExpedited"`
}

type updateWindowRequest struct {
	AccessInstructions *string `json:"accessInstructions"`
	Priority           *string `json:"priority"`
	IsExpedited        *bool   `json:"isExpedited"`
}

type claimRequest struct {
	ScheduledDate string `json:"scheduledDate"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// handleWindows serves POST /api/windows.
func (s *Server) handleWindows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	identity, ok := s.requireRole(w, r, auth.RoleListingAgent)
	if !ok {
		return
	}

	var body createWindowRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	start, err := anytime.ParseDate(body.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "startDate must be YYYY-MM-DD")
		return
	}
	end, err := anytime.ParseDate(body.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "endDate must be YYYY-MM-DD")
		return
	}

	if s.territoryService != nil {
		if _, err := s.territoryService.RequireActive(r.Context(), body.TerritoryID); err != nil {
			switch {
			case errors.Is(err, territory.ErrNotFound):
				writeError(w, http.StatusUnprocessableEntity, "unknown territory")
			case errors.Is(err, territory.ErrInactive):
				writeError(w, http.StatusUnprocessableEntity, "territory is not accepting new windows")
			default:
				s.writeDomainError(w, r, err)
			}
			return
		}
	}

	created, err := s.windowService.CreateWindow(r.Context(), anytime.CreateWindowParams{
		ListingID:          body.ListingID,
		TerritoryID:        body.TerritoryID,
		StartDate:          start,
		EndDate:            end,
		AccessInstructions: body.AccessInstructions,
		IsVacant:           body.IsVacant,
		HasLockbox:         body.HasLockbox,
		Priority:           anytime.Priority(body.Priority),
		IsExpedited:        body.IsExpedited,
		CreatedBy:          identity.UserID,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWindowResponse(created))
}

// handleWindowDetail serves /api/windows/{id} and its action sub-resources.
func (s *Server) handleWindowDetail(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/windows/")
	if len(parts) == 0 || len(parts) > 2 {
		writeError(w, http.StatusBadRequest, "invalid window path")
		return
	}
	windowID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleGetWindow(w, r, windowID)
		case http.MethodPatch:
			s.handleUpdateWindow(w, r, windowID)
		default:
			w.Header().Set("Allow", "GET, PATCH")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	switch parts[1] {
	case "claim":
		s.handleClaim(w, r, windowID)
	case "release":
		s.handleRelease(w, r, windowID)
	case "schedule":
		s.handleSchedule(w, r, windowID)
	case "cancel":
		s.handleCancel(w, r, windowID)
	default:
		writeError(w, http.StatusNotFound, "unknown window action")
	}
}

func (s *Server) handleGetWindow(w http.ResponseWriter, r *http.Request, windowID string) {
	if _, ok := s.requireIdentity(w, r); !ok {
		return
	}
	win, err := s.coordinator.Get(r.Context(), windowID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWindowResponse(win))
}

func (s *Server) handleUpdateWindow(w http.ResponseWriter, r *http.Request, windowID string) {
	identity, ok := s.requireRole(w, r, auth.RoleListingAgent)
	if !ok {
		return
	}
	var body updateWindowRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if !s.ownsWindow(w, r, identity, windowID, "edit") {
		return
	}

	upd := anytime.DetailsUpdate{
		AccessInstructions: body.AccessInstructions,
		IsExpedited:        body.IsExpedited,
	}
	if body.Priority != nil {
		p := anytime.Priority(*body.Priority)
		upd.Priority = &p
	}

	updated, err := s.windowService.UpdateDetails(r.Context(), windowID, upd)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWindowResponse(updated))
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, windowID string) {
	identity, ok := s.requireRole(w, r, auth.RolePhotographer)
	if !ok {
		return
	}
	var body claimRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	day, err := anytime.ParseDate(body.ScheduledDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "scheduledDate must be YYYY-MM-DD")
		return
	}

	if s.claimLimiter != nil {
		allowed, err := s.claimLimiter.Allow(r.Context(), identity.UserID)
		if err != nil {
			// Throttling is advisory; a limiter outage must not block claims.
			s.log().Warn("claim throttle unavailable", "error", err)
		} else if !allowed {
			w.Header().Set("Retry-After", "2")
			writeError(w, http.StatusTooManyRequests, "too many claim attempts; slow down")
			return
		}
	}

	res, err := s.coordinator.Claim(r.Context(), anytime.ClaimRequest{
		WindowID:     windowID,
		WorkerID:     identity.UserID,
		ProposedDate: day,
	})
	if err != nil {
		if anytime.ErrorKind(err) == "internal" {
			s.log().Error("claim outcome unknown", "window_id", windowID, "worker_id", identity.UserID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "claim outcome unknown; re-read the window before retrying")
			return
		}
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"windowId":      res.WindowID,
		"workerId":      res.WorkerID,
		"scheduledDate": anytime.FormatDate(res.ScheduledDate),
		"claimedAt":     res.ClaimedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, windowID string) {
	identity, ok := s.requireRole(w, r, auth.RolePhotographer)
	if !ok {
		return
	}
	res, err := s.coordinator.Release(r.Context(), anytime.ReleaseRequest{WindowID: windowID, WorkerID: identity.UserID})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"windowId": res.WindowID,
		"status":   string(res.Status),
	})
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request, windowID string) {
	identity, ok := s.requireRole(w, r, auth.RolePhotographer)
	if !ok {
		return
	}
	win, err := s.coordinator.Schedule(r.Context(), anytime.ScheduleRequest{WindowID: windowID, WorkerID: identity.UserID})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWindowResponse(win))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, windowID string) {
	identity, ok := s.requireRole(w, r, auth.RoleListingAgent)
	if !ok {
		return
	}
	var body cancelRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &body) {
		return
	}

	if !s.ownsWindow(w, r, identity, windowID, "cancel") {
		return
	}

	win, err := s.coordinator.Cancel(r.Context(), anytime.CancelRequest{
		WindowID: windowID,
		ActorID:  identity.UserID,
		Reason:   body.Reason,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWindowResponse(win))
}

// handleTerritories serves GET /api/territories.
func (s *Server) handleTerritories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	includeInactive := identity.Role == auth.RoleAdmin && r.URL.Query().Get("includeInactive") == "1"

	items, err := s.territoryService.List(r.Context(), limit, includeInactive)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := make([]territoryResponse, 0, len(items))
	for _, t := range items {
		out = append(out, toTerritoryResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

// handleTerritoryDetail serves /api/territories/{id} and
// /api/territories/{id}/windows.
func (s *Server) handleTerritoryDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireIdentity(w, r); !ok {
		return
	}

	parts := pathParts(r.URL.Path, "/api/territories/")
	switch {
	case len(parts) == 1:
		t, err := s.territoryService.GetByID(r.Context(), parts[0])
		if err != nil {
			if errors.Is(err, territory.ErrNotFound) {
				writeError(w, http.StatusNotFound, "territory not found")
				return
			}
			s.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toTerritoryResponse(t))
	case len(parts) == 2 && parts[1] == "windows":
		s.handleAvailableWindows(w, r, parts[0])
	default:
		writeError(w, http.StatusBadRequest, "invalid territory path")
	}
}

func (s *Server) handleAvailableWindows(w http.ResponseWriter, r *http.Request, territoryID string) {
	query := anytime.AvailableQuery{TerritoryID: territoryID}
	values := r.URL.Query()

	for key, dst := range map[string]**time.Time{"from": &query.From, "to": &query.To} {
		raw := values.Get(key)
		if raw == "" {
			continue
		}
		day, err := anytime.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, key+" must be YYYY-MM-DD")
			return
		}
		*dst = &day
	}
	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		query.Limit = n
	}
	query.FloatPriority = values.Get("priority") == "1" || values.Get("priority") == "true"

	items, err := s.queries.ListAvailable(r.Context(), query)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toWindowList(items), "total": len(items)})
}

// handleQueue serves GET /api/queue: the caller's claimed windows.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	identity, ok := s.requireRole(w, r, auth.RolePhotographer)
	if !ok {
		return
	}

	workerID := identity.UserID
	if identity.Role == auth.RoleAdmin && r.URL.Query().Get("workerId") != "" {
		workerID = r.URL.Query().Get("workerId")
	}

	items, err := s.queries.ListClaimed(r.Context(), workerID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toWindowList(items), "total": len(items)})
}

// ownsWindow lets admins through and limits listing agents to windows they
// opened. It writes the response when the answer is no.
func (s *Server) ownsWindow(w http.ResponseWriter, r *http.Request, identity auth.Identity, windowID, action string) bool {
	if identity.Role == auth.RoleAdmin {
		return true
	}
	current, err := s.coordinator.Get(r.Context(), windowID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return false
	}
	if current.CreatedBy != identity.UserID {
		writeError(w, http.StatusForbidden, "not authorized to "+action+" this window")
		return false
	}
	return true
}

func (s *Server) requireIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	identity := identityFrom(r.Context())
	if identity.UserID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return auth.Identity{}, false
	}
	return identity, true
}

func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, roles ...auth.Role) (auth.Identity, bool) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return auth.Identity{}, false
	}
	if !identity.Can(roles...) {
		writeError(w, http.StatusForbidden, "role not permitted for this operation")
		return auth.Identity{}, false
	}
	return identity, true
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, anytime.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, anytime.Reason(err))
	case errors.Is(err, anytime.ErrNotFound):
		writeError(w, http.StatusNotFound, anytime.Reason(err))
	case errors.Is(err, anytime.ErrConflict):
		writeError(w, http.StatusConflict, anytime.Reason(err))
	case errors.Is(err, anytime.ErrUnauthorized):
		writeError(w, http.StatusForbidden, anytime.Reason(err))
	default:
		s.log().Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathParts(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
