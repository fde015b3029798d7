package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vidchain/vidchain/internal/catalog"
	"github.com/vidchain/vidchain/internal/httputil"
	"github.com/vidchain/vidchain/internal/identity"
	"github.com/vidchain/vidchain/internal/ledger"
	"github.com/vidchain/vidchain/internal/pending"
	"github.com/vidchain/vidchain/internal/publish"
	"github.com/vidchain/vidchain/internal/storage"
	"github.com/vidchain/vidchain/internal/validate"
	"github.com/vidchain/vidchain/internal/wallet"
)

const maxMultipartMemory = 32 << 20

type sessionResponse struct {
	Address   string `json:"address,omitempty"`
	Connected bool   `json:"connected"`
}

type videoResponse struct {
	ID          uint64 `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	ContentHash string `json:"contentHash"`
	Uploader    string `json:"uploader"`
	Timestamp   int64  `json:"timestamp"`
	PublishedAt string `json:"publishedAt"`
	URL         string `json:"url"`
}

type catalogResponse struct {
	Videos    []videoResponse `json:"videos"`
	Token     uint64          `json:"token"`
	FetchedAt *time.Time      `json:"fetchedAt,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type commitErrorResponse struct {
	Error       string `json:"error"`
	ContentHash string `json:"contentHash"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	session, err := s.wallet.Connect(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sessionResponse{Address: session.Address, Connected: session.Connected})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	session := s.wallet.Session()
	httputil.WriteJSON(w, http.StatusOK, sessionResponse{Address: session.Address, Connected: session.Connected})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.wallet.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCheckIdentity(w http.ResponseWriter, r *http.Request) {
	res, err := s.identity.Check(r.Context(), s.wallet.Session())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

type resolveIdentityRequest struct {
	Name string `json:"name"`
}

// handleResolveIdentity resolves the session identity, registering it with
// the submitted name when the address is not registered yet.
func (s *Server) handleResolveIdentity(w http.ResponseWriter, r *http.Request) {
	var req resolveIdentityRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.identity.Resolve(r.Context(), s.wallet.Session(), identity.StaticPrompt(req.Name))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleListVideos(w http.ResponseWriter, r *http.Request) {
	s.writeCatalog(w, r, func(v []catalog.Video) []catalog.Video { return v })
}

func (s *Server) handleSearchVideos(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if msg := validate.SearchQuery(query); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}
	s.writeCatalog(w, r, func(v []catalog.Video) []catalog.Video { return catalog.Search(v, query) })
}

func (s *Server) handleMyVideos(w http.ResponseWriter, r *http.Request) {
	session := s.wallet.Session()
	if err := session.Ready(); err != nil {
		writeServiceError(w, err)
		return
	}
	s.writeCatalog(w, r, func(v []catalog.Video) []catalog.Video { return catalog.ByOwner(v, session.Address) })
}

// writeCatalog refreshes the feed and writes the filtered snapshot. A failed
// refresh is reported next to the empty catalog rather than as an error
// status, so the UI can still render the list.
func (s *Server) writeCatalog(w http.ResponseWriter, r *http.Request, filter func([]catalog.Video) []catalog.Video) {
	snap, err := s.feed.Refresh(r.Context())
	resp := catalogResponse{Token: snap.Token}
	if !snap.FetchedAt.IsZero() {
		fetchedAt := snap.FetchedAt
		resp.FetchedAt = &fetchedAt
	}
	if err != nil {
		resp.Error = "catalog unavailable"
	}

	videos := filter(snap.Videos)
	resp.Videos = make([]videoResponse, 0, len(videos))
	for _, v := range videos {
		resp.Videos = append(resp.Videos, videoResponse{
			ID:          v.ID,
			Title:       v.Title,
			Description: v.Description,
			ContentHash: v.ContentHash,
			Uploader:    v.Uploader,
			Timestamp:   v.Timestamp,
			PublishedAt: v.Time().Format(time.RFC3339),
			URL:         v.URL(s.gatewayURL),
		})
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	session := s.wallet.Session()
	if err := session.Ready(); err != nil {
		writeServiceError(w, err)
		return
	}

	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+maxMultipartMemory)
	}
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, "expected multipart form with file, title and description")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	upload := publish.Upload{
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
	}
	file, header, err := r.FormFile("file")
	if err == nil {
		defer func() { _ = file.Close() }()
		upload.File = file
		upload.Filename = filepath.Base(header.Filename)
	}

	res, err := s.publisher.Publish(r.Context(), session, upload)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	session := s.wallet.Session()
	if err := session.Ready(); err != nil {
		writeServiceError(w, err)
		return
	}
	uploads, err := s.publisher.Pending(r.Context(), session.Address)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, uploads)
}

func (s *Server) handleCommitPending(w http.ResponseWriter, r *http.Request) {
	hash := strings.TrimSpace(chi.URLParam(r, "hash"))
	res, err := s.publisher.Retry(r.Context(), s.wallet.Session(), hash)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, res)
}

// writeServiceError maps the error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var validation *publish.ValidationError
	var commitErr *publish.CommitError
	var rejected *storage.RejectedError

	switch {
	case errors.Is(err, wallet.ErrNotConnected):
		httputil.WriteError(w, http.StatusUnauthorized, "wallet not connected")
	case errors.Is(err, wallet.ErrWalletUnavailable):
		httputil.WriteError(w, http.StatusServiceUnavailable, "no wallet available")
	case errors.Is(err, wallet.ErrUserRejected):
		httputil.WriteError(w, http.StatusForbidden, "wallet access rejected")
	case errors.Is(err, identity.ErrEmptyUsername), errors.Is(err, identity.ErrUsernameTooLong):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &validation):
		httputil.WriteError(w, http.StatusBadRequest, validation.Message)
	case errors.Is(err, pending.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, "pending upload not found")
	case errors.As(err, &commitErr):
		status := http.StatusBadGateway
		if errors.Is(err, ledger.ErrTimeout) {
			status = http.StatusGatewayTimeout
		}
		slog.Error("ledger commit failed", "content_hash", commitErr.ContentHash, "error", err)
		httputil.WriteJSON(w, status, commitErrorResponse{Error: "ledger commit failed", ContentHash: commitErr.ContentHash})
	case errors.As(err, &rejected):
		httputil.WriteError(w, http.StatusBadGateway, rejected.Error())
	case errors.Is(err, storage.ErrCredentialsExpired):
		httputil.WriteError(w, http.StatusBadGateway, "storage credentials expired")
	case errors.Is(err, storage.ErrUpload):
		httputil.WriteError(w, http.StatusBadGateway, "upload to store failed")
	case errors.Is(err, ledger.ErrTimeout):
		httputil.WriteError(w, http.StatusGatewayTimeout, "ledger did not respond in time")
	case errors.Is(err, ledger.ErrLedgerQuery), errors.Is(err, ledger.ErrLedgerCommit):
		slog.Error("ledger call failed", "error", err)
		httputil.WriteError(w, http.StatusBadGateway, "ledger unavailable")
	default:
		slog.Error("unexpected error", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
