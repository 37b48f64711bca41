package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"ricorrente/internal/core"
	"ricorrente/internal/services"
)

// definitionPayload is the create/update request body. Amount is a signed
// decimal string: negative for expenses, positive for income.
type definitionPayload struct {
	Amount      string `json:"amount"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Kind        string `json:"kind"`
	Day         int    `json:"day,omitempty"`
	Month       int    `json:"month,omitempty"`
	Overflow    string `json:"overflowPolicy,omitempty"`
	MonthStep   int    `json:"monthStep,omitempty"`
	StepDays    int    `json:"stepDays,omitempty"`
	StartDate   string `json:"startDate"`
	EndDate     string `json:"endDate,omitempty"`
}

type definitionResponse struct {
	ID          int64  `json:"id"`
	Amount      string `json:"amount"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Kind        string `json:"kind"`
	Day         int    `json:"day,omitempty"`
	Month       int    `json:"month,omitempty"`
	Overflow    string `json:"overflowPolicy,omitempty"`
	MonthStep   int    `json:"monthStep,omitempty"`
	StepDays    int    `json:"stepDays,omitempty"`
	StartDate   string `json:"startDate"`
	EndDate     string `json:"endDate,omitempty"`
	Active      bool   `json:"active"`
	Version     int64  `json:"version"`
	Occurrences int    `json:"occurrences"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toResponse(d core.Definition) definitionResponse {
	cfg := d.Schedule.Config()
	resp := definitionResponse{
		ID:          d.ID,
		Amount:      d.Amount.Decimal(),
		Category:    d.Category,
		Description: d.Description,
		Kind:        string(d.Schedule.Kind()),
		Day:         cfg.Day,
		Month:       cfg.Month,
		Overflow:    string(cfg.Overflow),
		MonthStep:   cfg.MonthStep,
		StepDays:    cfg.StepDays,
		StartDate:   d.StartDate.String(),
		Active:      d.Active,
		Version:     d.Version,
		Occurrences: len(d.Ledger),
	}
	if !d.EndDate.IsZero() {
		resp.EndDate = d.EndDate.String()
	}
	return resp
}

// definitionFromPayload validates and converts a request body. The schedule
// kind is resolved here, so unrecognized kinds never reach the store.
func definitionFromPayload(ownerID string, p definitionPayload) (core.Definition, error) {
	cents, err := core.ParseSignedDecimalToCents(p.Amount)
	if err != nil {
		return core.Definition{}, err
	}

	schedule, err := core.ScheduleFromConfig(core.Kind(p.Kind), core.ScheduleConfig{
		Day:       p.Day,
		Month:     p.Month,
		Overflow:  core.OverflowPolicy(p.Overflow),
		MonthStep: p.MonthStep,
		StepDays:  p.StepDays,
	})
	if err != nil {
		return core.Definition{}, err
	}

	d := core.Definition{
		OwnerID:     ownerID,
		Amount:      core.Money{Cents: cents},
		Category:    strings.TrimSpace(p.Category),
		Description: strings.TrimSpace(p.Description),
		Schedule:    schedule,
		Active:      true,
	}
	if d.StartDate, err = core.ParseDate(p.StartDate); err != nil {
		return core.Definition{}, errors.Join(core.ErrInvalidDates, err)
	}
	if p.EndDate != "" {
		if d.EndDate, err = core.ParseDate(p.EndDate); err != nil {
			return core.Definition{}, errors.Join(core.ErrInvalidDates, err)
		}
	}
	if err := d.Validate(); err != nil {
		return core.Definition{}, err
	}
	return d, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps domain sentinels to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "definition not found")
	case errors.Is(err, core.ErrUnknownKind),
		errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrEmptyDescription),
		errors.Is(err, core.ErrEmptyCategory),
		errors.Is(err, core.ErrInvalidDay),
		errors.Is(err, core.ErrInvalidMonth),
		errors.Is(err, core.ErrInvalidStep),
		errors.Is(err, core.ErrInvalidDates):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrVersionConflict):
		writeError(w, http.StatusConflict, "definition modified concurrently, retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request, ownerID string) {
	defs, cached := s.listCache.Get(ownerID)
	if !cached {
		var err error
		defs, err = s.store.ListDefinitions(r.Context(), ownerID)
		if err != nil {
			slog.ErrorContext(r.Context(), "List definitions failed", "owner", ownerID, "error", err)
			writeDomainError(w, err)
			return
		}
		s.listCache.Set(ownerID, defs)
	}

	out := make([]definitionResponse, 0, len(defs))
	for _, d := range defs {
		out = append(out, toResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateDefinition(w http.ResponseWriter, r *http.Request, ownerID string) {
	var payload definitionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	d, err := definitionFromPayload(ownerID, payload)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := s.store.CreateDefinition(r.Context(), &d); err != nil {
		slog.ErrorContext(r.Context(), "Create definition failed", "owner", ownerID, "error", err)
		writeDomainError(w, err)
		return
	}

	s.invalidateList(ownerID)
	writeJSON(w, http.StatusCreated, toResponse(d))
}

func (s *Server) handleUpdateDefinition(w http.ResponseWriter, r *http.Request, ownerID string) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid definition id")
		return
	}

	var payload definitionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	d, err := definitionFromPayload(ownerID, payload)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	d.ID = id

	updated, err := s.store.UpdateDefinition(r.Context(), ownerID, d)
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			slog.ErrorContext(r.Context(), "Update definition failed",
				"owner", ownerID, "id", id, "error", err)
		}
		writeDomainError(w, err)
		return
	}

	s.invalidateList(ownerID)
	writeJSON(w, http.StatusOK, toResponse(updated))
}

type statusPayload struct {
	Active *bool `json:"active"`
}

// handleToggleDefinition flips or sets the active flag. With a body
// {"active": bool} the flag is set; with no body it toggles.
func (s *Server) handleToggleDefinition(w http.ResponseWriter, r *http.Request, ownerID string) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid definition id")
		return
	}

	var payload statusPayload
	var updated core.Definition
	if err := json.NewDecoder(r.Body).Decode(&payload); err == nil && payload.Active != nil {
		updated, err = s.store.SetDefinitionActive(r.Context(), ownerID, id, *payload.Active)
		if err != nil {
			writeDomainError(w, err)
			return
		}
	} else {
		// Bodyless toggle flips in the store, so concurrent flips cannot
		// both act on the same starting state.
		updated, err = s.store.ToggleDefinitionActive(r.Context(), ownerID, id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
	}

	s.invalidateList(ownerID)
	writeJSON(w, http.StatusOK, toResponse(updated))
}

// handleDeleteDefinition deactivates the definition. Generated history and
// the occurrence ledger are kept.
func (s *Server) handleDeleteDefinition(w http.ResponseWriter, r *http.Request, ownerID string) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid definition id")
		return
	}

	updated, err := s.store.SetDefinitionActive(r.Context(), ownerID, id, false)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.invalidateList(ownerID)
	writeJSON(w, http.StatusOK, toResponse(updated))
}

type generateResponse struct {
	Created       []generatedTransaction `json:"created"`
	Notifications []core.Notification    `json:"notifications"`
}

type generatedTransaction struct {
	ID          int64  `json:"id"`
	Amount      string `json:"amount"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Date        string `json:"date"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request, ownerID string) {
	result, err := s.generator.Generate(r.Context(), ownerID)
	if err != nil {
		slog.ErrorContext(r.Context(), "Generation failed", "owner", ownerID, "error", err)
		writeDomainError(w, err)
		return
	}

	resp := generateResponse{
		Created:       make([]generatedTransaction, 0, len(result.Created)),
		Notifications: result.Notifications,
	}
	for _, tx := range result.Created {
		resp.Created = append(resp.Created, generatedTransaction{
			ID:          tx.ID,
			Amount:      tx.Amount.Decimal(),
			Category:    tx.Category,
			Description: tx.Description,
			Date:        tx.Date.String(),
		})
	}

	s.invalidateList(ownerID)
	writeJSON(w, http.StatusOK, resp)
}

type previewResponse struct {
	DefinitionID int64    `json:"definitionId"`
	Upcoming     []string `json:"upcoming"`
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request, ownerID string) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid definition id")
		return
	}

	count := services.DefaultPreviewCount
	if v := strings.TrimSpace(r.URL.Query().Get("count")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "count must be between 1 and 100")
			return
		}
		count = n
	}

	def, err := s.store.GetDefinition(r.Context(), ownerID, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	today := core.DateOf(timeNow())
	upcoming, err := services.Preview(def, today, count)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := previewResponse{DefinitionID: id, Upcoming: make([]string, 0, len(upcoming))}
	for _, d := range upcoming {
		resp.Upcoming = append(resp.Upcoming, d.String())
	}
	writeJSON(w, http.StatusOK, resp)
}
