// Package httpapi exposes a read-only view of the manifests plus a live
// notification feed. Writes happen only through the filesystem.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/seqworks/manifestd/internal/manifest"
)

type Server struct {
	svc *manifest.Service
}

func NewServer(svc *manifest.Service) *Server {
	return &Server{svc: svc}
}

type processSummary struct {
	ID        int    `json:"id"`
	Output    string `json:"output"`
	FileCount int    `json:"fileCount"`
}

type processDetail struct {
	ID     int               `json:"id"`
	Output string            `json:"output"`
	Files  manifest.Manifest `json:"files"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/events/ws" && r.Method == http.MethodGet {
		s.handleEvents(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "manifest" && parts[2] == "dropbox" && r.Method == http.MethodGet:
		s.handleDropbox(w, r)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "manifest" && parts[2] == "processes" && r.Method == http.MethodGet:
		s.handleProcesses(w, r)
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "manifest" && parts[2] == "processes" && r.Method == http.MethodGet:
		s.handleProcess(w, r, parts[3])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleDropbox(w http.ResponseWriter, r *http.Request) {
	store, err := s.svc.Loader()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load_failed", err.Error())
		return
	}
	files := store.Dropbox()
	if files == nil {
		files = manifest.Manifest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	store, err := s.svc.Loader()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load_failed", err.Error())
		return
	}
	summaries := []processSummary{}
	for id := 0; id <= store.ProcessID(); id++ {
		record, ok := store.Process(id)
		if !ok {
			continue
		}
		summaries = append(summaries, processSummary{
			ID:        id,
			Output:    record.Output,
			FileCount: len(record.Files),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"processes": summaries})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := strconv.Atoi(rawID)
	if err != nil || id < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "process id must be a non-negative integer")
		return
	}
	store, err := s.svc.Loader()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load_failed", err.Error())
		return
	}
	record, ok := store.Process(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no such process")
		return
	}
	writeJSON(w, http.StatusOK, processDetail{
		ID:     id,
		Output: record.Output,
		Files:  record.Files,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	notes, cancel := s.svc.SubscribeNotifications(64)
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case note, ok := <-notes:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "shutting down")
				return
			}
			if err := wsjson.Write(ctx, conn, note); err != nil {
				if !errors.Is(err, context.Canceled) {
					conn.Close(websocket.StatusNormalClosure, "")
				}
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}
