package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
)

const maxAdminBody = 1 << 20

// Manager é o que a API de gerenciamento precisa do motor.
type Manager interface {
	application.Evaluator

	AddRule(ctx context.Context, doc []byte) (domain.Rule, error)
	EditRule(ctx context.Context, id uint64, doc []byte) (domain.Rule, error)
	DeleteRule(ctx context.Context, id uint64) (bool, error)
	FindRule(id uint64) (domain.Rule, error)
	Rules() []domain.Rule

	Exceeds() []domain.ExceedRecord
	Bans(kind domain.EntityKind) []domain.Ban
	Throttles() []domain.Ban
	BanEntity(ctx context.Context, entity domain.Entity, hours int64) (domain.Ban, error)
	DeleteBan(ctx context.Context, id uint64) (bool, error)

	ClearAll(ctx context.Context) error
	Counts() application.Counts
}

type admin struct {
	m   Manager
	log *zap.Logger
}

// NewAdminHandler monta as rotas /limits e /health sobre o motor.
func NewAdminHandler(m Manager, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	a := &admin{m: m, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", a.health)
	r.Route("/limits", func(r chi.Router) {
		r.Delete("/", a.clearAll)

		r.Get("/rules", a.listRules)
		r.Post("/rules", a.addRule)
		r.Get("/rules/{id}", a.findRule)
		r.Put("/rules/{id}", a.editRule)
		r.Delete("/rules/{id}", a.deleteRule)

		r.Get("/exceeds", a.exceeds)
		r.Get("/active", a.active)
		r.Get("/throttles", a.throttles)

		r.Post("/bans", a.ban)
		r.Delete("/bans/{id}", a.deleteBan)

		r.Post("/evaluate", a.evaluate)
	})
	return r
}

func (a *admin) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "state": a.m.Counts()})
}

func (a *admin) listRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.m.Rules())
}

func (a *admin) addRule(w http.ResponseWriter, r *http.Request) {
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}
	rule, err := a.m.AddRule(r.Context(), body)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": "Rule added successfully.", "rule": rule})
}

func (a *admin) findRule(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	rule, err := a.m.FindRule(id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (a *admin) editRule(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}
	rule, err := a.m.EditRule(r.Context(), id, body)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Rule updated successfully.", "rule": rule})
}

func (a *admin) deleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	deleted, err := a.m.DeleteRule(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if !deleted {
		a.writeError(w, domain.ErrNotFound.New("rule %d", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (a *admin) exceeds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.m.Exceeds())
}

func (a *admin) active(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseEntityKind(r.URL.Query().Get("entity_type"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	bans := a.m.Bans(kind)
	if bans == nil {
		bans = []domain.Ban{}
	}
	writeJSON(w, http.StatusOK, bans)
}

func (a *admin) throttles(w http.ResponseWriter, r *http.Request) {
	bans := a.m.Throttles()
	out := make([]map[string]any, 0, len(bans))
	for _, b := range bans {
		out = append(out, domain.FlattenBan(b))
	}
	writeJSON(w, http.StatusOK, out)
}

type banRequest struct {
	EntityType string `json:"entity_type"`
	Value      string `json:"value"`
	Hours      *int64 `json:"hours"`
}

func (a *admin) ban(w http.ResponseWriter, r *http.Request) {
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}
	var req banRequest
	if err := json.Unmarshal(body, &req); err != nil {
		a.writeError(w, domain.ErrValidation.Wrap(&domain.FieldError{Field: "body", Reason: "must be a JSON object"}))
		return
	}
	kind, err := domain.ParseEntityKind(req.EntityType)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if req.Hours == nil {
		a.writeError(w, domain.ErrValidation.Wrap(&domain.FieldError{Field: "hours", Reason: "is required"}))
		return
	}
	ban, err := a.m.BanEntity(r.Context(), domain.Entity{Kind: kind, Value: req.Value}, *req.Hours)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ban)
}

func (a *admin) deleteBan(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	deleted, err := a.m.DeleteBan(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if !deleted {
		a.writeError(w, domain.ErrNotFound.New("ban %d", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

type evaluateRequest struct {
	IP     string `json:"ip"`
	APIKey string `json:"api_key"`
}

// evaluate roda uma avaliação de verdade: conta como requisição do par informado.
func (a *admin) evaluate(w http.ResponseWriter, r *http.Request) {
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}
	var req evaluateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		a.writeError(w, domain.ErrValidation.Wrap(&domain.FieldError{Field: "body", Reason: "must be a JSON object"}))
		return
	}
	// valores vazios ou iguais ao Wildcard contam como ausentes, como no middleware
	var entities []domain.Entity
	if req.IP != "" && req.IP != domain.Wildcard {
		entities = append(entities, domain.IP(req.IP))
	}
	if req.APIKey != "" && req.APIKey != domain.Wildcard {
		entities = append(entities, domain.APIKey(req.APIKey))
	}
	v := a.m.Evaluate(r.Context(), entities)
	writeJSON(w, http.StatusOK, map[string]any{
		"limited":      v.Limited,
		"reason":       v.Reason,
		"matched":      v.Matched,
		"rule_id":      v.RuleID,
		"banned_until": v.BannedUntil,
	})
}

func (a *admin) clearAll(w http.ResponseWriter, r *http.Request) {
	if err := a.m.ClearAll(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	a.log.Warn("rate limit state cleared through admin api", zap.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *admin) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAdminBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"message": "request body too large"})
		return nil, false
	}
	return body, true
}

func (a *admin) pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		a.writeError(w, domain.ErrValidation.Wrap(&domain.FieldError{Field: "id", Reason: "must be an unsigned integer"}))
		return 0, false
	}
	return id, true
}

// writeError traduz a classe do erro em status HTTP.
func (a *admin) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case domain.ErrValidation.Has(err):
		status = http.StatusBadRequest
		msg = err.Error()
		var fe *domain.FieldError
		if errors.As(err, &fe) {
			msg = fe.Error()
		}
	case domain.ErrNotFound.Has(err):
		status = http.StatusNotFound
		msg = "Not Found"
	default:
		a.log.Error("admin request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
