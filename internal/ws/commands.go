package ws

import (
	"context"
	"encoding/json"
	"time"

	"subsync/internal/model"
	"subsync/internal/service"
	"subsync/internal/syncq"

	"go.uber.org/zap"
)

// Connectivity exposes the current upstream reachability state.
type Connectivity interface {
	State() model.ConnectivityState
}

// Notifications is the dispatcher slice commands need.
type Notifications interface {
	List(clientID string) []model.Notification
	Dismiss(ctx context.Context, id string)
}

// CommandHandler executes client commands arriving over the socket.
type CommandHandler struct {
	store    *service.SubmissionService
	queue    *syncq.Queue
	conn     Connectivity
	notifier Notifications
	log      *zap.Logger
}

func NewCommandHandler(store *service.SubmissionService, queue *syncq.Queue, conn Connectivity, notifier Notifications, log *zap.Logger) *CommandHandler {
	return &CommandHandler{
		store:    store,
		queue:    queue,
		conn:     conn,
		notifier: notifier,
		log:      log,
	}
}

// HandleCommand processes one command message
func (h *CommandHandler) HandleCommand(ctx context.Context, conn *Conn, cmd map[string]interface{}) {
	op, _ := cmd["op"].(string)
	data, _ := cmd["data"].(map[string]interface{})
	msgID, _ := cmd["id"].(string)

	switch op {
	case "submitQuery":
		h.handleSubmitQuery(ctx, conn, msgID, data)
	case "getSubmission":
		h.handleGetSubmission(ctx, conn, msgID, data)
	case "listSubmissions":
		h.handleListSubmissions(ctx, conn, msgID)
	case "cancelSubmission":
		h.handleCancelSubmission(ctx, conn, msgID, data)
	case "syncStatus":
		h.handleSyncStatus(ctx, conn, msgID)
	case "retryNow":
		h.handleRetryNow(ctx, conn, msgID)
	case "listNotifications":
		h.handleListNotifications(ctx, conn, msgID)
	case "dismissNotification":
		h.handleDismissNotification(ctx, conn, msgID, data)
	case "connectivity":
		h.handleConnectivity(ctx, conn, msgID)
	default:
		h.sendError(conn, msgID, "unknown_command", "Unknown command: "+op)
	}
}

func (h *CommandHandler) handleSubmitQuery(ctx context.Context, conn *Conn, msgID string, data map[string]interface{}) {
	text, _ := data["text"].(string)
	params, _ := data["params"].(map[string]interface{})

	input := service.SubmitQueryInput{
		ClientID: conn.clientID,
		Text:     text,
		Params:   params,
	}
	if timeoutSec, ok := data["timeoutSeconds"].(float64); ok && timeoutSec > 0 {
		input.Timeout = time.Duration(timeoutSec) * time.Second
	}

	sub, err := h.store.SubmitQuery(ctx, input)
	if err != nil {
		// The submission record still exists; return it with the error so
		// the client can show both.
		h.sendResponse(conn, msgID, map[string]interface{}{
			"type": "response",
			"data": map[string]interface{}{
				"submission": sub,
				"error":      err,
			},
		})
		return
	}

	h.sendResponse(conn, msgID, map[string]interface{}{
		"type": "response",
		"data": map[string]interface{}{"submission": sub},
	})
}

func (h *CommandHandler) handleGetSubmission(ctx context.Context, conn *Conn, msgID string, data map[string]interface{}) {
	id, _ := data["submissionId"].(string)
	if id == "" {
		h.sendError(conn, msgID, "invalid_input", "submissionId required")
		return
	}

	sub, err := h.store.Get(id)
	if err != nil {
		h.sendError(conn, msgID, "not_found", err.Error())
		return
	}

	h.sendResponse(conn, msgID, map[string]interface{}{
		"type": "response",
		"data": map[string]interface{}{"submission": sub},
	})
}

func (h *CommandHandler) handleListSubmissions(ctx context.Context, conn *Conn, msgID string) {
	subs := h.store.List(conn.clientID)
	h.sendResponse(conn, msgID, map[string]interface{}{
		"type": "response",
		"data": map[string]interface{}{"submissions": subs},
	})
}

func (h *CommandHandler) handleCancelSubmission(ctx context.Context, conn *Conn, msgID string, data map[string]interface{}) {
	id, _ := data["submissionId"].(string)
	if id == "" {
		h.sendError(conn, msgID, "invalid_input", "submissionId required")
		return
	}

	if err := h.store.Cancel(ctx, id); err != nil {
		h.sendError(conn, msgID, "cancel_failed", err.Error())
		return
	}

	h.sendResponse(conn, msgID, map[string]interface{}{
		"type": "response",
		"data": map[string]string{"status": string(model.StatusCancelled)},
	})
}

func (h *CommandHandler) handleSyncStatus(ctx context.Context, conn *Conn, msgID string) {
	h.sendResponse(conn, msgID, map[string]interface{}{
		"type": "response",
		"data": map[string]interface{}{
			"pending": h.queue.Len(),
			"entries": h.queue.Entries(),
		},
	})
}

func (h *CommandHandler) handleRetryNow(ctx context.Context, conn *Conn, msgID string) {
	go h.queue.Kick()
	h.sendResponse(conn, msgID, map[string]interface{}{
		"type": "response",
		"data": map[string]string{"status": "draining"},
	})
}

func (h *CommandHandler) handleListNotifications(ctx context.Context, conn *Conn, msgID string) {
	h.sendResponse(conn, msgID, map[string]interface{}{
		"type": "response",
		"data": map[string]interface{}{"notifications": h.notifier.List(conn.clientID)},
	})
}

func (h *CommandHandler) handleDismissNotification(ctx context.Context, conn *Conn, msgID string, data map[string]interface{}) {
	id, _ := data["notificationId"].(string)
	if id == "" {
		h.sendError(conn, msgID, "invalid_input", "notificationId required")
		return
	}

	h.notifier.Dismiss(ctx, id)
	h.sendResponse(conn, msgID, map[string]interface{}{
		"type": "response",
		"data": map[string]string{"status": "dismissed"},
	})
}

func (h *CommandHandler) handleConnectivity(ctx context.Context, conn *Conn, msgID string) {
	h.sendResponse(conn, msgID, map[string]interface{}{
		"type": "response",
		"data": h.conn.State(),
	})
}

func (h *CommandHandler) sendResponse(conn *Conn, msgID string, response map[string]interface{}) {
	if msgID != "" {
		response["id"] = msgID
	}
	msg, _ := json.Marshal(response)
	select {
	case conn.send <- msg:
	default:
		h.log.Warn("Failed to send response, channel full")
	}
}

func (h *CommandHandler) sendError(conn *Conn, msgID, code, message string) {
	err := map[string]interface{}{
		"type":    "error",
		"code":    code,
		"message": message,
	}
	if msgID != "" {
		err["id"] = msgID
	}
	msg, _ := json.Marshal(err)
	select {
	case conn.send <- msg:
	default:
		h.log.Warn("Failed to send error, channel full")
	}
}
