// Package api exposes the HTTP surfaces of the signing services: the public
// sign API served by cmd/server and the local device API served by
// cmd/worker.
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/btcsuite/btcd/btcutil/psbt"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/keyfort/hwsign/internal/signing"
	"github.com/keyfort/hwsign/internal/tasks"
)

// Enqueuer submits tasks to the queue. Satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskViewer reads task state from the queue. Satisfied by *asynq.Inspector.
type TaskViewer interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
}

// SignHandlers serves the public sign API.
type SignHandlers struct {
	client    Enqueuer
	inspector TaskViewer
	logger    *logrus.Entry
}

func NewSignHandlers(client Enqueuer, inspector TaskViewer, logger *logrus.Logger) *SignHandlers {
	return &SignHandlers{
		client:    client,
		inspector: inspector,
		logger:    logger.WithField("pkg", "api.SignHandlers"),
	}
}

// Register mounts the sign API on the router.
func (h *SignHandlers) Register(e *echo.Echo) {
	e.POST("/v1/sign/bitcoin", h.handleSignBitcoin)
	e.POST("/v1/sign/ethereum", h.handleSignEthereum)
	e.GET("/v1/tasks/:id", h.handleTaskStatus)
}

type errorResponse struct {
	Error string `json:"error"`
}

// EnqueueResponse reports the queued task a client can poll for.
type EnqueueResponse struct {
	TaskID string `json:"task_id"`
	Queue  string `json:"queue"`
	State  string `json:"state"`
}

// TaskStatusResponse is the queue's view of one sign task.
type TaskStatusResponse struct {
	TaskID  string          `json:"task_id"`
	Type    string          `json:"type"`
	State   string          `json:"state"`
	Result  json.RawMessage `json:"result,omitempty"`
	LastErr string          `json:"last_err,omitempty"`
	Retried int             `json:"retried"`
}

// handleSignBitcoin validates a PSBT sign request far enough to reject junk
// before it occupies the device queue.
func (h *SignHandlers) handleSignBitcoin(c echo.Context) error {
	var request tasks.SignBitcoinPayload
	if err := c.Bind(&request); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	if request.Coin == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "coin is required"})
	}
	raw, err := base64.StdEncoding.DecodeString(request.PSBT)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "psbt is not valid base64"})
	}
	if _, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false); err != nil {
		return c.JSON(http.StatusBadRequest,
			errorResponse{Error: fmt.Sprintf("failed to parse psbt: %v", err)})
	}

	task, err := tasks.NewSignBitcoinTask(request)
	if err != nil {
		return err
	}
	return h.enqueue(c, task)
}

func (h *SignHandlers) handleSignEthereum(c echo.Context) error {
	var request tasks.SignEthereumPayload
	if err := c.Bind(&request); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	if request.Coin == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "coin is required"})
	}
	if request.ChainID == 0 {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "chain_id must be positive"})
	}
	tx := new(ethtypes.Transaction)
	if err := tx.UnmarshalBinary(request.Tx); err != nil {
		return c.JSON(http.StatusBadRequest,
			errorResponse{Error: fmt.Sprintf("failed to decode transaction: %v", err)})
	}
	if _, err := signing.NewAbsoluteKeypath(request.Keypath); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}

	task, err := tasks.NewSignEthereumTask(request)
	if err != nil {
		return err
	}
	return h.enqueue(c, task)
}

func (h *SignHandlers) enqueue(c echo.Context, task *asynq.Task) error {
	info, err := h.client.EnqueueContext(c.Request().Context(), task)
	if err != nil {
		h.logger.WithError(err).Error("failed to enqueue sign task")
		return c.JSON(http.StatusServiceUnavailable,
			errorResponse{Error: "failed to enqueue sign task"})
	}
	h.logger.WithFields(logrus.Fields{
		"taskID":   info.ID,
		"taskType": info.Type,
	}).Info("sign task enqueued")
	return c.JSON(http.StatusAccepted, EnqueueResponse{
		TaskID: info.ID,
		Queue:  info.Queue,
		State:  info.State.String(),
	})
}

func (h *SignHandlers) handleTaskStatus(c echo.Context) error {
	info, err := h.inspector.GetTaskInfo(tasks.QueueSign, c.Param("id"))
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return c.JSON(http.StatusNotFound, errorResponse{Error: "task not found"})
		}
		h.logger.WithError(err).Error("failed to read task info")
		return c.JSON(http.StatusServiceUnavailable,
			errorResponse{Error: "failed to read task info"})
	}

	response := TaskStatusResponse{
		TaskID:  info.ID,
		Type:    info.Type,
		State:   info.State.String(),
		LastErr: info.LastErr,
		Retried: info.Retried,
	}
	if len(info.Result) > 0 {
		response.Result = info.Result
	}
	return c.JSON(http.StatusOK, response)
}
