package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"time"

	"github.com/sjawhar/ghost-scribe/internal/pipeline"
	"github.com/sjawhar/ghost-scribe/internal/storage"
	"github.com/sjawhar/ghost-scribe/internal/transcribe"
)

var runIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const maxRequestBody = 1 << 16

type RunStore interface {
	GetRunsByDate(date string) ([]storage.Run, error)
	GetRun(id string) (storage.Run, error)
	GetSegments(runID string) ([]transcribe.Segment, error)
	GetDates() ([]string, error)
}

// Submitter accepts transcription requests for background processing.
type Submitter interface {
	Submit(req pipeline.Request) (string, error)
}

func registerAPIRoutes(mux *http.ServeMux, store RunStore, queue Submitter, hooks StatusHooks) {
	mux.HandleFunc("GET /api/runs", func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			date = time.Now().UTC().Format("2006-01-02")
		}
		if _, err := time.Parse("2006-01-02", date); err != nil {
			writeJSONError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}

		runs, err := store.GetRunsByDate(date)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list runs: %v", err))
			return
		}
		if runs == nil {
			runs = []storage.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	})

	mux.HandleFunc("GET /api/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		runID := r.PathValue("id")
		if !validRunID(runID) {
			writeJSONError(w, http.StatusForbidden, "invalid run id")
			return
		}

		run, err := store.GetRun(runID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, sql.ErrNoRows) {
				status = http.StatusNotFound
			}
			writeJSONError(w, status, fmt.Sprintf("get run: %v", err))
			return
		}

		segments, err := store.GetSegments(runID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get run segments: %v", err))
			return
		}
		if segments == nil {
			segments = []transcribe.Segment{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"run":      run,
			"segments": segments,
		})
	})

	mux.HandleFunc("GET /api/dates", func(w http.ResponseWriter, r *http.Request) {
		dates, err := store.GetDates()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get dates: %v", err))
			return
		}
		if dates == nil {
			dates = []string{}
		}
		writeJSON(w, http.StatusOK, dates)
	})

	mux.HandleFunc("POST /api/runs", func(w http.ResponseWriter, r *http.Request) {
		if queue == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "run queue not available")
			return
		}

		var req pipeline.Request
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
			return
		}

		id, err := queue.Submit(req)
		switch {
		case errors.Is(err, pipeline.ErrQueueFull):
			writeJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		case errors.Is(err, pipeline.ErrInput):
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		case err != nil:
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("submit run: %v", err))
			return
		}

		w.Header().Set("Location", "/api/runs/"+id)
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		var queueStatus pipeline.QueueStatus
		if hooks.Queue != nil {
			queueStatus = hooks.Queue()
		}
		var warnings []string
		if hooks.Warnings != nil {
			warnings = hooks.Warnings()
		}
		if warnings == nil {
			warnings = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"queue": queueStatus, "warnings": warnings})
	})
}

func validRunID(id string) bool {
	return runIDPattern.MatchString(id)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
