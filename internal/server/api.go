package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sjawhar/milo/internal/artifact"
	"github.com/sjawhar/milo/internal/session"
	"github.com/sjawhar/milo/internal/storage"
)

const maxUploadMemory = 32 << 20

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Flows is the request side of the session coordinator.
type Flows interface {
	StartLecture(ctx context.Context) (string, error)
	SubmitChunk(ctx context.Context, up session.Upload, last bool, sequence int) error
	SubmitQuestion(ctx context.Context, up session.Upload) error
	Status() session.Status
}

type SessionStore interface {
	GetSessionsByDate(ctx context.Context, date string) ([]storage.Session, error)
	GetSession(ctx context.Context, id string) (storage.Session, error)
	GetDates(ctx context.Context) ([]string, error)
	ListQuestions(ctx context.Context, limit int) ([]storage.Question, error)
}

// AudioFiles resolves client-facing audio inside a staging area.
type AudioFiles interface {
	FilePath(area artifact.Area, name string) (string, error)
}

func registerFlowRoutes(r *router, flows Flows, files AudioFiles) {
	r.handle("POST /start-recording", func(w http.ResponseWriter, req *http.Request) {
		sessionID, err := flows.StartLecture(req.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("start recording: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "session_id": sessionID})
	})

	r.handle("POST /upload-audio", func(w http.ResponseWriter, req *http.Request) {
		up, cleanup, err := formUpload(req)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		defer cleanup()

		last := strings.EqualFold(strings.TrimSpace(req.FormValue("last_chunk")), "true")
		sequence := 0
		if raw := strings.TrimSpace(req.FormValue("sequence")); raw != "" {
			sequence, err = strconv.Atoi(raw)
			if err != nil || sequence < 0 {
				writeJSONError(w, http.StatusBadRequest, "invalid sequence")
				return
			}
		}

		if err := flows.SubmitChunk(req.Context(), up, last, sequence); err != nil {
			writeFlowError(w, "upload audio", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "last_chunk": last})
	})

	r.handle("POST /upload-question", func(w http.ResponseWriter, req *http.Request) {
		up, cleanup, err := formUpload(req)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		defer cleanup()

		if err := flows.SubmitQuestion(req.Context(), up); err != nil {
			writeFlowError(w, "upload question", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.handle("GET /get-audio/{filename}", audioHandler(files, artifact.AreaSpeechClient))
	r.handle("GET /get-response-audio/{filename}", audioHandler(files, artifact.AreaResponseAudio))

	r.handle("GET /api/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, flows.Status())
	})
}

func registerAPIRoutes(r *router, store SessionStore) {
	r.handle("GET /api/sessions", func(w http.ResponseWriter, req *http.Request) {
		date := req.URL.Query().Get("date")
		if date == "" {
			date = time.Now().UTC().Format("2006-01-02")
		}

		sessions, err := store.GetSessionsByDate(req.Context(), date)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list sessions: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, sessions)
	})

	r.handle("GET /api/sessions/{id}", func(w http.ResponseWriter, req *http.Request) {
		sessionID := req.PathValue("id")
		if !validSessionID(sessionID) {
			writeJSONError(w, http.StatusForbidden, "invalid session id")
			return
		}

		sessionData, err := store.GetSession(req.Context(), sessionID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, sql.ErrNoRows) {
				status = http.StatusNotFound
			}
			writeJSONError(w, status, fmt.Sprintf("get session: %v", err))
			return
		}

		summary := ""
		if sessionData.ArchivePath != "" {
			if data, err := os.ReadFile(filepath.Join(sessionData.ArchivePath, artifact.SummaryFile)); err == nil {
				summary = string(data)
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"session": sessionData,
			"summary": summary,
		})
	})

	r.handle("GET /api/dates", func(w http.ResponseWriter, req *http.Request) {
		dates, err := store.GetDates(req.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get dates: %v", err))
			return
		}
		if dates == nil {
			dates = []string{}
		}
		writeJSON(w, http.StatusOK, dates)
	})

	r.handle("GET /api/questions", func(w http.ResponseWriter, req *http.Request) {
		limit := 50
		if raw := req.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > 500 {
				writeJSONError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}

		questions, err := store.ListQuestions(req.Context(), limit)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list questions: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, questions)
	})
}

// formUpload extracts the "file" field. A request without the field gets a
// nil Body so the coordinator reports it as missing.
func formUpload(req *http.Request) (session.Upload, func(), error) {
	if err := req.ParseMultipartForm(maxUploadMemory); err != nil {
		return session.Upload{}, nil, fmt.Errorf("invalid multipart form: %v", err)
	}
	cleanup := func() {
		if req.MultipartForm != nil {
			_ = req.MultipartForm.RemoveAll()
		}
	}

	file, header, err := req.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return session.Upload{}, cleanup, nil
	}
	if err != nil {
		cleanup()
		return session.Upload{}, nil, fmt.Errorf("read file field: %v", err)
	}

	return session.Upload{Name: header.Filename, Body: file}, func() {
		_ = file.Close()
		cleanup()
	}, nil
}

func writeFlowError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, session.ErrMissingUpload):
		writeJSONError(w, http.StatusBadRequest, "no file provided")
	case errors.Is(err, session.ErrEmptyUpload):
		writeJSONError(w, http.StatusBadRequest, "empty file")
	case errors.Is(err, session.ErrSessionReset):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("%s: %v", action, err))
	}
}

func audioHandler(files AudioFiles, area artifact.Area) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		name := req.PathValue("filename")
		if artifact.SafeName(name) != name {
			writeJSONError(w, http.StatusForbidden, "invalid filename")
			return
		}

		path, err := files.FilePath(area, name)
		if err != nil {
			writeJSONError(w, http.StatusForbidden, "invalid filename")
			return
		}

		f, err := os.Open(path)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "audio file not found")
			return
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("stat audio: %v", err))
			return
		}

		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Content-Type", contentTypeForAudio(path))
		http.ServeContent(w, req, name, info.ModTime(), f)
	}
}

func validSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

func contentTypeForAudio(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".webm":
		return "audio/webm"
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
