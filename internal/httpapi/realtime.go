package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/igm/sockjs-go/sockjs"
	"github.com/sirupsen/logrus"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/notify"
)

const realtimePrefix = "/realtime"

type Subscriber interface {
	Subscribe(ctx context.Context, queueID string, handler notify.Handler) (func(), error)
}

type QueueLookup interface {
	GetQueue(ctx context.Context, queueID string) (models.Queue, error)
}

// RealtimeBridge pushes queue snapshots to SockJS sessions. A session follows
// at most one queue at a time.
type RealtimeBridge struct {
	subscriber Subscriber
	queues     QueueLookup
	logger     *logrus.Logger
}

type realtimeSession interface {
	Recv() (string, error)
	Send(string) error
}

type realtimeRequest struct {
	Action  string `json:"action"`
	QueueID string `json:"queue_id"`
}

type realtimeSnapshot struct {
	Type    string             `json:"type"`
	QueueID string             `json:"queue_id"`
	Seq     uint64             `json:"seq"`
	Items   []models.QueueItem `json:"items"`
	SentAt  time.Time          `json:"sent_at"`
}

type realtimeError struct {
	Type  string        `json:"type"`
	Error responseError `json:"error"`
}

func NewRealtimeBridge(subscriber Subscriber, queues QueueLookup, logger *logrus.Logger) *RealtimeBridge {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RealtimeBridge{subscriber: subscriber, queues: queues, logger: logger}
}

// Handler returns the SockJS endpoint mounted under /realtime.
func (b *RealtimeBridge) Handler() http.Handler {
	return sockjs.NewHandler(realtimePrefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		b.logger.WithField("session_id", session.ID()).Debug("realtime session opened")
		b.serve(session)
		b.logger.WithField("session_id", session.ID()).Debug("realtime session closed")
	})
}

func (b *RealtimeBridge) serve(session realtimeSession) {
	var unsubscribe func()
	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
	}()

	for {
		raw, err := session.Recv()
		if err != nil {
			return
		}
		var req realtimeRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			b.sendError(session, "invalid_json", "invalid JSON message")
			continue
		}

		switch req.Action {
		case "subscribe":
			if !isValidUUID(req.QueueID) {
				b.sendError(session, "invalid_request", "queue_id must be a UUID")
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, err := b.queues.GetQueue(ctx, req.QueueID)
			cancel()
			if err != nil {
				_, code, msg := mapError(err)
				b.sendError(session, code, msg)
				continue
			}
			if unsubscribe != nil {
				unsubscribe()
				unsubscribe = nil
			}
			ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			unsub, err := b.subscriber.Subscribe(ctx, req.QueueID, func(snapshot notify.Snapshot) {
				b.push(session, snapshot)
			})
			cancel()
			if err != nil {
				b.logger.WithError(err).WithField("queue_id", req.QueueID).Warn("realtime subscribe")
				_, code, msg := mapError(err)
				b.sendError(session, code, msg)
				continue
			}
			unsubscribe = unsub
		case "unsubscribe":
			if unsubscribe != nil {
				unsubscribe()
				unsubscribe = nil
			}
		default:
			b.sendError(session, "invalid_request", "action must be subscribe or unsubscribe")
		}
	}
}

func (b *RealtimeBridge) push(session realtimeSession, snapshot notify.Snapshot) {
	payload, err := json.Marshal(realtimeSnapshot{
		Type:    "queue.snapshot",
		QueueID: snapshot.QueueID,
		Seq:     snapshot.Seq,
		Items:   publicItems(snapshot.Items),
		SentAt:  snapshot.SentAt,
	})
	if err != nil {
		b.logger.WithError(err).WithField("queue_id", snapshot.QueueID).Error("encode realtime snapshot")
		return
	}
	_ = session.Send(string(payload))
}

func (b *RealtimeBridge) sendError(session realtimeSession, code, message string) {
	payload, _ := json.Marshal(realtimeError{Type: "error", Error: responseError{Code: code, Message: message}})
	_ = session.Send(string(payload))
}
