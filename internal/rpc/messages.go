package rpc

import (
	"encoding/json"
	"time"

	"github.com/shaiso/Tributary/internal/capacity"
	"github.com/shaiso/Tributary/internal/queue"
)

// Queue

// AddJobRequest — постановка job в очередь.
type AddJobRequest struct {
	ProjectID string          `json:"projectId"`
	SpecName  string          `json:"specName"`
	JobID     string          `json:"jobId"`
	Params    json.RawMessage `json:"params,omitempty"`
	ContextID string          `json:"contextId,omitempty"`
}

// AddJobResponse — результат постановки. Added=false для дубликата.
type AddJobResponse struct {
	Added bool `json:"added"`
}

// DutyOp — операция сессии воркера.
type DutyOp string

const (
	OpSignUp   DutyOp = "signUp"
	OpNext     DutyOp = "next"
	OpProgress DutyOp = "progress"
	OpComplete DutyOp = "complete"
	OpFail     DutyOp = "fail"
)

// DutyRequest — сообщение воркера. Первое сообщение сессии — signUp.
type DutyRequest struct {
	Op        DutyOp `json:"op"`
	ProjectID string `json:"projectId,omitempty"`
	SpecName  string `json:"specName,omitempty"`
	Delta     int    `json:"delta,omitempty"`
	Payload   string `json:"payload,omitempty"`
}

// DutyResponse — ответ на каждое DutyRequest, по порядку.
type DutyResponse struct {
	Lease *LeaseMessage `json:"lease,omitempty"`
	Error *ErrorMessage `json:"error,omitempty"`
}

// LeaseMessage — выданный воркеру job. Токен аренды остаётся на сервере.
type LeaseMessage struct {
	Job      queue.Job `json:"job"`
	Attempt  int       `json:"attempt"`
	Deadline time.Time `json:"deadline"`
}

// ErrorMessage — ошибка операции внутри потоковой сессии.
type ErrorMessage struct {
	Code    string `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// Capacity

// IncreaseCapacityRequest — запрос дополнительных воркеров.
type IncreaseCapacityRequest struct {
	ProjectID string `json:"projectId"`
	SpecName  string `json:"specName"`
	By        int    `json:"by"`
}

// IncreaseCapacityResponse — выбранный инстанс.
type IncreaseCapacityResponse struct {
	InstanceID string `json:"instanceId"`
}

// InstanceMessage — сообщение инстанса. Первое несёт InstanceID.
type InstanceMessage struct {
	InstanceID string           `json:"instanceId,omitempty"`
	Report     *capacity.Report `json:"report,omitempty"`
}

// Stream

// AppendRequest — запись в поток.
type AppendRequest struct {
	ProjectID   string          `json:"projectId"`
	StreamID    string          `json:"streamId"`
	DatapointID string          `json:"datapointId"`
	Payload     json.RawMessage `json:"payload"`
}

// AppendResponse — id записи.
type AppendResponse struct {
	ID string `json:"messageId"`
}

// ReadRequest — чтение после позиции, последних записей или позиции головы.
type ReadRequest struct {
	ProjectID string `json:"projectId"`
	StreamID  string `json:"streamId"`
	After     string `json:"after,omitempty"`
	Count     int64  `json:"count,omitempty"`
}

// ReadResponse — записи потока.
type ReadResponse struct {
	Entries []EntryMessage `json:"entries"`
}

// HeadResponse — id последней записи.
type HeadResponse struct {
	ID string `json:"messageId"`
}

// EntryMessage — запись потока.
type EntryMessage struct {
	ID          string          `json:"messageId"`
	DatapointID string          `json:"datapointId"`
	Payload     json.RawMessage `json:"payload"`
}
