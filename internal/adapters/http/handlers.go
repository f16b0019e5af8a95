package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/application"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/contracts"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/domain"
)

const maxBodyBytes = 1 << 20

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "not ready")
			return
		}
	}
	writeSuccess(w, http.StatusOK, "ready")
}

func (h *Handler) createEntry(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, domain.VerbCreate, "")
}

func (h *Handler) updateEntry(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, domain.VerbUpdate, chi.URLParam(r, "id"))
}

func (h *Handler) deleteEntry(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, domain.VerbDelete, chi.URLParam(r, "id"))
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, verb domain.Verb, resourceID string) {
	var body map[string]any
	if verb != domain.VerbDelete {
		decoded, err := decodeBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		body = decoded
	}
	accepted, err := h.commands.Submit(r.Context(), application.SubmitInput{
		Verb:       verb,
		Base:       chi.URLParam(r, "base"),
		ResourceID: resourceID,
		Body:       body,
		User:       r.Header.Get("X-User-Id"),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusAccepted, accepted)
}

func decodeBody(r *http.Request) (map[string]any, error) {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("request body is required")
		}
		return nil, errors.New("invalid json body")
	}
	if body == nil {
		return nil, errors.New("request body must be a json object")
	}
	return body, nil
}

func (h *Handler) getEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.queries.Get(r.Context(), chi.URLParam(r, "base"), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, toEntryResponse(entry))
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	limit := -1
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := h.queries.List(r.Context(), chi.URLParam(r, "base"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]contracts.EntryResponse, 0)
	for entry, err := range entries {
		if err != nil {
			writeDomainError(w, err)
			return
		}
		out = append(out, toEntryResponse(entry))
		if len(out) == limit {
			break
		}
	}
	writeSuccess(w, http.StatusOK, out)
}

func (h *Handler) getSchema(w http.ResponseWriter, r *http.Request) {
	ct, err := h.registry.ContentType(chi.URLParam(r, "base"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, ct)
}

func (h *Handler) listFaults(w http.ResponseWriter, r *http.Request) {
	if h.faults == nil {
		writeSuccess(w, http.StatusOK, []contracts.GapReport{})
		return
	}
	faults, err := h.faults.Faults(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]contracts.GapReport, 0, len(faults))
	for _, f := range faults {
		out = append(out, contracts.GapReport{
			ResourceType:    f.ResourceType,
			ResourceID:      f.ResourceID,
			ExpectedVersion: f.ExpectedVersion,
			Reason:          f.Reason,
			Events:          f.Events,
			DetectedAt:      f.DetectedAt,
		})
	}
	writeSuccess(w, http.StatusOK, out)
}
