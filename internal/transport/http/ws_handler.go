package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"school-assistant/internal/app"
	"school-assistant/internal/domain"
)

// ConnectionTracker counts open quiz connections.
type ConnectionTracker interface {
	ConnectionOpened()
	ConnectionClosed()
}

type nopTracker struct{}

func (nopTracker) ConnectionOpened() {}
func (nopTracker) ConnectionClosed() {}

type WSHandler struct {
	service  *app.QuizService
	log      logrus.FieldLogger
	conns    ConnectionTracker
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.QuizService, log logrus.FieldLogger, conns ConnectionTracker) *WSHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if conns == nil {
		conns = nopTracker{}
	}
	return &WSHandler{
		service: service,
		log:     log,
		conns:   conns,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	Answer string `json:"answer"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type notFoundPayload struct {
	QuizID string `json:"quizId"`
}

// ServeWS upgrades HTTP requests to websockets and drives one quiz attempt.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	quizID := r.URL.Query().Get("quizId")
	userID := r.URL.Query().Get("userId")
	if quizID == "" || userID == "" {
		http.Error(w, "missing quizId or userId", http.StatusBadRequest)
		return
	}
	log := h.log.WithFields(logrus.Fields{"quiz_id": quizID, "user_id": userID})

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("ws upgrade failed")
		return
	}
	defer conn.Close()
	h.conns.ConnectionOpened()
	defer h.conns.ConnectionClosed()

	key := app.SessionKey{UserID: userID, QuizID: quizID}
	session, err := h.service.Start(r.Context(), key)
	if errors.Is(err, domain.ErrQuizNotFound) {
		_ = conn.WriteJSON(outboundMessage[notFoundPayload]{Type: "notFound", Payload: notFoundPayload{QuizID: quizID}})
		return
	}
	if err != nil {
		log.WithError(err).Error("quiz start failed")
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: "quiz unavailable"}})
		return
	}
	defer h.service.Suspend(context.Background(), key, session)

	states, cancel := session.Subscribe()
	session.StartTimer()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.WithError(err).Debug("ws write error")
				// keep draining so producers never block
				for range send {
				}
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case state, ok := <-states:
				if !ok {
					return
				}
				msgs := []outboundMessage[any]{{Type: "state", Payload: state}}
				if state.Results != nil {
					msgs = append(msgs, outboundMessage[any]{Type: "results", Payload: state.Results})
				}
				for _, msg := range msgs {
					select {
					case send <- msg:
					case <-closeSignals:
						return
					}
				}
			case <-closeSignals:
				return
			}
		}
	}()

	reply := func(msg outboundMessage[any]) {
		select {
		case send <- msg:
		case <-closeSignals:
		}
	}
	replyError := func(text string) {
		reply(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: text}})
	}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "answer":
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				replyError("invalid answer payload")
				continue
			}
			outcome, ok := session.Submit(payload.Answer)
			if !ok {
				replyError("answer not accepted")
				continue
			}
			reply(outboundMessage[any]{Type: "answerResult", Payload: outcome})
		case "advance":
			if !session.Advance() {
				replyError("answer the question before moving on")
			}
		case "skip":
			if !session.Skip() {
				replyError("question cannot be skipped")
			}
		case "retake":
			session.Retake()
			session.StartTimer()
		default:
			replyError("unsupported message type")
		}
	}

	close(closeSignals)
	cancel()
	<-updatesDone
	close(send)
	<-writerDone
}
