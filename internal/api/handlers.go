package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"taskrelay/internal/domain"
	"taskrelay/internal/usecase"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	idempotencyHeader = "Idempotency-Key"
	synthesizedHeader = "Idempotency-Key-Synthesized"
	maxBodyBytes      = 80 << 10
)

type submitReq struct {
	Kind           string          `json:"kind"`
	Params         json.RawMessage `json:"params"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type submitResp struct {
	TaskID              string          `json:"taskId"`
	Created             bool            `json:"created"`
	ResultRef           *string         `json:"resultRef"`
	EstimatedCompletion *time.Time      `json:"estimatedCompletion,omitempty"`
	Task                domain.Snapshot `json:"task"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		key = strings.TrimSpace(req.IdempotencyKey)
	}
	if key == "" {
		if s.requireKey {
			respondError(w, r, http.StatusBadRequest, "Idempotency-Key header is required")
			return
		}
		// retries without a key create duplicate tasks
		key = uuid.NewString()
		w.Header().Set(synthesizedHeader, "true")
		s.log.Warn().Str("owner_id", ownerFrom(r.Context())).Msg("submission without idempotency key, synthesized one")
	}

	res, err := s.submitter.Submit(r.Context(), usecase.SubmitRequest{
		OwnerID:        ownerFrom(r.Context()),
		IdempotencyKey: key,
		Kind:           req.Kind,
		Params:         req.Params,
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}

	resp := submitResp{
		TaskID:    res.Task.ID,
		Created:   res.Created,
		ResultRef: res.Task.ResultRef,
		Task:      res.Task.Snapshot(),
	}
	if !res.EstimatedCompletion.IsZero() {
		resp.EstimatedCompletion = &res.EstimatedCompletion
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusAccepted
	}
	w.Header().Set("Location", "/v1/tasks/"+res.Task.ID)
	respondJSON(w, status, resp)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	snap, err := s.query.Get(r.Context(), chi.URLParam(r, "taskID"), ownerFrom(r.Context()))
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.ListFilter{
		State: domain.State(strings.ToUpper(q.Get("state"))),
		Kind:  q.Get("kind"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	tasks, err := s.query.List(r.Context(), ownerFrom(r.Context()), f)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	snap, err := s.canceller.Cancel(r.Context(), chi.URLParam(r, "taskID"), ownerFrom(r.Context()))
	if errors.Is(err, domain.ErrConflict) {
		respondJSON(w, http.StatusConflict, map[string]any{
			"error": err.Error(),
			"code":  codeFor(http.StatusConflict),
			"task":  snap,
		})
		return
	}
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := s.query.Artifact(r.Context(), chi.URLParam(r, "artifactID"), ownerFrom(r.Context()))
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"viewers": s.conns.Count(),
	})
}
