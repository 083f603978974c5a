package services

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"trapper_platform/trapper/auth"
	"trapper_platform/trapper/messaging"
	"trapper_platform/trapper/schema"
	"trapper_platform/utils"
	"trapper_platform/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

type MessageService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
}

func (s *MessageService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Get("/inbox", s.box(messaging.Inbox))
	r.Get("/outbox", s.box(messaging.Outbox))
	r.Post("/send", s.Send)
	r.Get("/{hashcode}", s.Get)

	return r
}

type MessageInfo struct {
	Id           uuid.UUID  `json:"id"`
	Hashcode     string     `json:"hashcode"`
	Subject      string     `json:"subject"`
	Text         string     `json:"text"`
	UserFromId   *uuid.UUID `json:"user_from_id"`
	UserToId     uuid.UUID  `json:"user_to_id"`
	MessageType  string     `json:"message_type"`
	DateSent     time.Time  `json:"date_sent"`
	DateReceived *time.Time `json:"date_received"`
}

func convertToMessageInfo(msg schema.Message) MessageInfo {
	return MessageInfo{
		Id:           msg.Id,
		Hashcode:     msg.Hashcode,
		Subject:      msg.Subject,
		Text:         msg.Text,
		UserFromId:   msg.UserFromId,
		UserToId:     msg.UserToId,
		MessageType:  msg.MessageType,
		DateSent:     msg.DateSent,
		DateReceived: msg.DateReceived,
	}
}

func (s *MessageService) box(box messaging.Box) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := auth.UserFromContext(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		messages, err := messaging.List(s.db, user.Id, box)
		if err != nil {
			writeError(w, "error listing messages", err)
			return
		}

		utils.WriteJsonResponse(w, lo.Map(messages, func(msg schema.Message, _ int) MessageInfo { return convertToMessageInfo(msg) }))
	}
}

// Get opens a message by its hashcode. Opening it as the recipient marks it received.
func (s *MessageService) Get(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hashcode := chi.URLParam(r, "hashcode")

	var msg schema.Message
	err = s.db.Transaction(func(txn *gorm.DB) error {
		msg, err = messaging.GetByHashcode(txn, hashcode)
		if err != nil {
			return domainError(err)
		}
		if !messaging.CanRead(msg, user.Id) {
			return domainError(messaging.ErrNotRecipient)
		}
		return domainError(messaging.MarkReceived(txn, &msg, user.Id))
	})
	if err != nil {
		writeError(w, "error loading message", err)
		return
	}

	utils.WriteJsonResponse(w, convertToMessageInfo(msg))
}

type sendMessageRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// Send delivers a standard message to an active user given by username.
func (s *MessageService) Send(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params sendMessageRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if strings.TrimSpace(params.Subject) == "" {
		http.Error(w, "message subject must be specified", http.StatusUnprocessableEntity)
		return
	}

	var msg schema.Message
	err = s.db.Transaction(func(txn *gorm.DB) error {
		recipient, err := schema.GetUserByUsername(params.To, txn)
		if err != nil {
			return domainError(err)
		}
		if !recipient.IsActive {
			return CodedError(messaging.ErrInactiveRecipient, http.StatusUnprocessableEntity)
		}
		msg, err = messaging.Send(txn, &user.Id, recipient.Id, schema.MessageStandard, params.Subject, params.Text)
		return domainError(err)
	})
	if err != nil {
		writeError(w, "error sending message", err)
		return
	}

	utils.WriteJsonResponse(w, convertToMessageInfo(msg))
}

type RequestService struct {
	db         *gorm.DB
	userAuth   auth.IdentityProvider
	floodDelay time.Duration
}

func (s *RequestService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Get("/incoming", s.list(true))
	r.Get("/outgoing", s.list(false))
	r.Post("/create", s.Create)

	r.Route("/{request_id}", func(r chi.Router) {
		r.Post("/approve", s.resolve(true))
		r.Post("/reject", s.resolve(false))
		r.Post("/revoke", s.Revoke)
	})

	return r
}

type CollectionRequestInfo struct {
	Id            uuid.UUID   `json:"id"`
	Name          string      `json:"name"`
	Status        string      `json:"status"`
	OwnerId       uuid.UUID   `json:"owner_id"`
	UserFromId    uuid.UUID   `json:"user_from_id"`
	ProjectId     uuid.UUID   `json:"project_id"`
	CollectionIds []uuid.UUID `json:"collection_ids"`
	AddedAt       time.Time   `json:"added_at"`
	ResolvedAt    *time.Time  `json:"resolved_at"`
}

func convertToRequestInfo(req schema.CollectionRequest) CollectionRequestInfo {
	return CollectionRequestInfo{
		Id:            req.Id,
		Name:          req.Name,
		Status:        req.Status,
		OwnerId:       req.OwnerId,
		UserFromId:    req.UserFromId,
		ProjectId:     req.ProjectId,
		CollectionIds: lo.Map(req.Collections, func(c schema.Collection, _ int) uuid.UUID { return c.Id }),
		AddedAt:       req.AddedAt,
		ResolvedAt:    req.ResolvedAt,
	}
}

func (s *RequestService) list(incoming bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := auth.UserFromContext(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		requests, err := messaging.ListRequests(s.db, user.Id, incoming)
		if err != nil {
			writeError(w, "error listing requests", err)
			return
		}

		utils.WriteJsonResponse(w, lo.Map(requests, func(req schema.CollectionRequest, _ int) CollectionRequestInfo { return convertToRequestInfo(req) }))
	}
}

type collectionRequestRequest struct {
	Name          string      `json:"name"`
	ProjectId     uuid.UUID   `json:"project_id"`
	CollectionIds []uuid.UUID `json:"collection_ids"`
	Text          string      `json:"text"`
}

// Create asks for on-demand collections to be added to a research project the caller
// administers.
func (s *RequestService) Create(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params collectionRequestRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.Name == "" {
		http.Error(w, "request name must be specified", http.StatusUnprocessableEntity)
		return
	}

	var request schema.CollectionRequest
	err = s.db.Transaction(func(txn *gorm.DB) error {
		project, err := schema.GetResearchProject(params.ProjectId, txn)
		if err != nil {
			return domainError(err)
		}
		if err := requireCapability(txn, auth.ForResearchProject(&project), user, auth.UpdateAccess); err != nil {
			return err
		}
		request, err = messaging.CreateRequest(txn, user, messaging.NewRequest{
			Name:          params.Name,
			ProjectId:     project.Id,
			CollectionIds: lo.Uniq(params.CollectionIds),
			Text:          params.Text,
		}, s.floodDelay)
		return domainError(err)
	})
	if err != nil {
		if errors.Is(err, messaging.ErrRequestFlood) {
			w.Header().Set("Retry-After", s.floodDelay.String())
		}
		writeError(w, "error creating collection request", err)
		return
	}

	utils.WriteJsonResponse(w, createResponse{Id: request.Id})
}

func (s *RequestService) resolve(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.transition(w, r, "resolve", func(txn *gorm.DB, requestId uuid.UUID, user schema.User) (schema.CollectionRequest, error) {
			return messaging.Resolve(txn, requestId, user, approve)
		})
	}
}

func (s *RequestService) Revoke(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "revoke", messaging.Revoke)
}

func (s *RequestService) transition(w http.ResponseWriter, r *http.Request, what string, change func(*gorm.DB, uuid.UUID, schema.User) (schema.CollectionRequest, error)) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	requestId, err := utils.URLParamUUID(r, "request_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var request schema.CollectionRequest
	err = s.db.Transaction(func(txn *gorm.DB) error {
		request, err = change(txn, requestId, user)
		return domainError(err)
	})
	if err != nil {
		writeError(w, "error trying to "+what+" collection request", err)
		return
	}

	slog.Info("collection request "+what+"d", "request_id", request.Id, "status", request.Status, "code", logging.ACCESS)
	utils.WriteJsonResponse(w, convertToRequestInfo(request))
}
