// Package httpapi provides the internal HTTP surface spec.md §6 names:
// the JSON request/response endpoints plus the client and sandbox
// WebSocket upgrades, all backed by a single internal/actor.Actor.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/remilabs/sessionactor/internal/actor"
	"github.com/remilabs/sessionactor/internal/apierr"
	"github.com/remilabs/sessionactor/internal/domain"
	"github.com/remilabs/sessionactor/internal/pr"
	"github.com/remilabs/sessionactor/internal/queue"
)

// Handler wires the internal HTTP surface to one session's Actor.
type Handler struct {
	actor *actor.Actor
}

// NewHandler builds a Handler backed by a.
func NewHandler(a *actor.Actor) *Handler {
	return &Handler{actor: a}
}

// RegisterRoutes mounts every endpoint spec.md §6's "Internal HTTP
// surface" line names, plus the client/sandbox WS upgrades.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/init", h.handleInit)
	r.Get("/state", h.handleState)
	r.Post("/prompt", h.handlePrompt)
	r.Post("/stop", h.handleStop)
	r.Post("/sandbox-event", h.handleSandboxEvent)
	r.Get("/participants", h.handleListParticipants)
	r.Get("/events", h.handleListEvents)
	r.Get("/artifacts", h.handleListArtifacts)
	r.Get("/messages", h.handleListMessages)
	r.Post("/create-pr", h.handleCreatePR)
	r.Post("/ws-token", h.handleRotateWSToken)
	r.Post("/archive", h.handleArchive)
	r.Post("/unarchive", h.handleUnarchive)
	r.Post("/verify-sandbox-token", h.handleVerifySandboxToken)
	r.Post("/openai-token-refresh", h.handleOpenAITokenRefresh)

	r.Get("/ws/client", h.handleClientWS)
	r.Get("/ws/sandbox", h.handleSandboxWS)
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return apierr.New(apierr.ClassValidation, http.StatusBadRequest, "decode request body: %w", err)
	}
	return nil
}

type initRequest struct {
	RepoOwner     string `json:"repoOwner"`
	RepoName      string `json:"repoName"`
	RepoID        string `json:"repoId"`
	BaseBranch    string `json:"baseBranch"`
	SessionName   string `json:"sessionName"`
	Title         string `json:"title"`
	Model         string `json:"model"`
	OwnerUserID   string `json:"ownerUserId"`
	OwnerSCMLogin string `json:"ownerScmLogin"`
	OwnerSCMName  string `json:"ownerScmName"`
}

func (h *Handler) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteError(w, err)
		return
	}
	if req.OwnerUserID == "" {
		apierr.WriteError(w, apierr.New(apierr.ClassValidation, http.StatusBadRequest, "ownerUserId is required"))
		return
	}
	result, err := h.actor.Init(r.Context(), actor.InitRequest{
		RepoOwner: req.RepoOwner, RepoName: req.RepoName, RepoID: req.RepoID,
		BaseBranch: req.BaseBranch, SessionName: req.SessionName, Title: req.Title,
		Model: req.Model, OwnerUserID: req.OwnerUserID,
		OwnerSCMLogin: req.OwnerSCMLogin, OwnerSCMName: req.OwnerSCMName,
	})
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	result, err := h.actor.State(r.Context())
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	if result == nil {
		apierr.WriteError(w, apierr.New(apierr.ClassValidation, http.StatusNotFound, "session not initialized"))
		return
	}
	apierr.JSON(w, http.StatusOK, result)
}

type promptRequest struct {
	AuthorUserID        string `json:"authorId"`
	Content             string `json:"content"`
	Source              string `json:"source"`
	Model               string `json:"model"`
	ReasoningEffort      string `json:"reasoningEffort"`
	AttachmentsJSON     string `json:"attachmentsJson"`
	CallbackContextJSON string `json:"callbackContextJson"`
	RequestID           string `json:"requestId"`
}

func (h *Handler) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteError(w, err)
		return
	}
	if req.Content == "" || req.AuthorUserID == "" {
		apierr.WriteError(w, apierr.New(apierr.ClassValidation, http.StatusBadRequest, "content and authorId are required"))
		return
	}
	msg, err := h.actor.Prompt(r.Context(), queue.EnqueueRequest{
		AuthorUserID:        req.AuthorUserID,
		Content:             req.Content,
		Source:              domain.MessageSource(req.Source),
		Model:               req.Model,
		ReasoningEffort:     req.ReasoningEffort,
		AttachmentsJSON:     req.AttachmentsJSON,
		CallbackContextJSON: req.CallbackContextJSON,
		RequestID:           req.RequestID,
	})
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.JSON(w, http.StatusOK, msg)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := h.actor.Stop(r.Context()); err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.JSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (h *Handler) handleSandboxEvent(w http.ResponseWriter, r *http.Request) {
	var evt sandboxEventBody
	if err := decodeJSON(r, &evt); err != nil {
		apierr.WriteError(w, err)
		return
	}
	if err := h.actor.SandboxEvent(r.Context(), evt.toWire()); err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	participants, err := h.actor.ListParticipants(r.Context())
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.JSON(w, http.StatusOK, map[string]any{"participants": participants})
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.actor.ListEvents(r.Context())
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.JSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := h.actor.ListArtifacts(r.Context())
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.JSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.actor.ListMessages(r.Context())
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.JSON(w, http.StatusOK, map[string]any{"messages": messages})
}

type createPRRequest struct {
	ParticipantID string `json:"participantId"`
	BaseBranch    string `json:"baseBranch"`
	HeadBranch    string `json:"headBranch"`
	Title         string `json:"title"`
	Body          string `json:"body"`
}

func (h *Handler) handleCreatePR(w http.ResponseWriter, r *http.Request) {
	var req createPRRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteError(w, err)
		return
	}
	result, err := h.actor.CreatePR(r.Context(), pr.Request{
		ParticipantID: req.ParticipantID, BaseBranch: req.BaseBranch,
		HeadBranch: req.HeadBranch, Title: req.Title, Body: req.Body,
	})
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.JSON(w, http.StatusOK, result)
}

type wsTokenRequest struct {
	ParticipantID string `json:"participantId"`
}

func (h *Handler) handleRotateWSToken(w http.ResponseWriter, r *http.Request) {
	var req wsTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteError(w, err)
		return
	}
	token, err := h.actor.RotateWSToken(r.Context(), req.ParticipantID)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.JSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	if err := h.actor.Archive(r.Context()); err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.JSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

func (h *Handler) handleUnarchive(w http.ResponseWriter, r *http.Request) {
	if err := h.actor.Unarchive(r.Context()); err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.JSON(w, http.StatusOK, map[string]string{"status": "active"})
}

type verifySandboxTokenRequest struct {
	Token string `json:"token"`
}

func (h *Handler) handleVerifySandboxToken(w http.ResponseWriter, r *http.Request) {
	var req verifySandboxTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteError(w, err)
		return
	}
	status, err := h.actor.VerifySandboxToken(r.Context(), req.Token)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.JSON(w, int(status), map[string]int{"status": int(status)})
}

// handleOpenAITokenRefresh is a thin pass-through the sandbox calls when
// its cached model-provider token needs renewal; the session actor has no
// state of its own to refresh here, so it always answers {"status":"noop"}.
func (h *Handler) handleOpenAITokenRefresh(w http.ResponseWriter, r *http.Request) {
	apierr.JSON(w, http.StatusOK, map[string]string{"status": "noop"})
}
