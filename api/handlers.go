package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"patterndb/core"
)

// MatchRequest is the body of POST /api/v1/match
type MatchRequest struct {
	Program string            `json:"program"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// MatchResponse reports how a message was classified
type MatchResponse struct {
	Matched bool         `json:"matched"`
	RuleID  string       `json:"rule_id,omitempty"`
	Class   string       `json:"class"`
	Record  *core.Record `json:"record"`
}

// RuleSummary is the listing form of a compiled rule
type RuleSummary struct {
	ID       string   `json:"id"`
	Class    string   `json:"class"`
	Ruleset  string   `json:"ruleset,omitempty"`
	Program  string   `json:"program,omitempty"`
	Patterns []string `json:"patterns"`
	Tags     []string `json:"tags,omitempty"`
	Actions  int      `json:"actions"`
	Context  string   `json:"context_key,omitempty"`
}

func summarize(r *core.Rule) RuleSummary {
	s := RuleSummary{
		ID:       r.ID,
		Class:    r.Class,
		Ruleset:  r.Ruleset,
		Program:  r.Program,
		Patterns: r.Patterns,
		Tags:     r.Tags,
		Actions:  len(r.Actions),
	}
	if r.Context != nil {
		s.Context = r.Context.Key
	}
	return s
}

// healthCheck reports 503 until a rule database is loaded
func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	}
	status := http.StatusOK
	if m := a.engine.Matcher(); m == nil {
		response["status"] = "no database loaded"
		status = http.StatusServiceUnavailable
	} else {
		response["generation"] = m.Generation()
	}
	a.respondJSON(w, response, status)
}

// match classifies a message without correlating it
func (a *API) match(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if err := decodeJSONBodyWithLimit(w, r, &req, a.config.API.MaxBodyBytes); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil, a.logger)
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required", nil, a.logger)
		return
	}

	rec := core.NewMessage(a.clock.Now(), req.Program, req.Message)
	for k, v := range req.Fields {
		if strings.HasPrefix(k, ".classifier.") {
			continue
		}
		if k == core.FieldProgram || k == core.FieldMessage {
			continue
		}
		rec.Set(k, v)
	}

	resp := MatchResponse{Record: rec}
	if rule, ok := a.engine.Classify(rec); ok {
		resp.Matched = true
		resp.RuleID = rule.ID
	}
	resp.Class = rec.Value(core.FieldClass)
	a.respondJSON(w, resp, http.StatusOK)
}

func (a *API) getStats(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"engine": a.engine.GetStats(),
	}
	a.statsMu.RLock()
	for name, fn := range a.statsProviders {
		response[name] = fn()
	}
	a.statsMu.RUnlock()
	a.respondJSON(w, response, http.StatusOK)
}

func (a *API) reload(w http.ResponseWriter, r *http.Request) {
	if a.reloader == nil {
		writeError(w, http.StatusNotImplemented, "reload is not available", nil, a.logger)
		return
	}
	if err := a.reloader.Reload(); err != nil {
		// the previous generation stays active
		writeError(w, http.StatusUnprocessableEntity, "reload failed: "+err.Error(), err, a.logger)
		return
	}
	response := map[string]interface{}{"status": "reloaded"}
	if m := a.engine.Matcher(); m != nil {
		response["database"] = m.Info()
	}
	a.respondJSON(w, response, http.StatusOK)
}

func (a *API) getRules(w http.ResponseWriter, r *http.Request) {
	m := a.engine.Matcher()
	if m == nil {
		a.respondJSON(w, []RuleSummary{}, http.StatusOK)
		return
	}
	class := r.URL.Query().Get("class")
	rules := m.Rules()
	out := make([]RuleSummary, 0, len(rules))
	for _, rule := range rules {
		if class != "" && rule.Class != class {
			continue
		}
		out = append(out, summarize(rule))
	}
	a.respondJSON(w, out, http.StatusOK)
}

func (a *API) getRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m := a.engine.Matcher()
	if m == nil {
		writeError(w, http.StatusNotFound, "rule not found", nil, a.logger)
		return
	}
	rule, ok := m.RuleByID(id)
	if !ok {
		writeError(w, http.StatusNotFound, "rule not found", nil, a.logger)
		return
	}
	a.respondJSON(w, rule, http.StatusOK)
}

// getSynthetic lists archived synthetic records, newest first
func (a *API) getSynthetic(w http.ResponseWriter, r *http.Request) {
	if a.archive == nil {
		writeError(w, http.StatusNotFound, "synthetic archive is not enabled", nil, a.logger)
		return
	}
	limit, err := parseLimit(r, 100, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil, a.logger)
		return
	}
	records, err := a.archive.RecentSynthetic(r.Context(), r.URL.Query().Get("rule_id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query synthetic archive", err, a.logger)
		return
	}
	if records == nil {
		records = []*core.Record{}
	}
	a.respondJSON(w, records, http.StatusOK)
}
