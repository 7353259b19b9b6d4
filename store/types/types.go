package types

import (
	"errors"
	"strconv"

	"github.com/finch-technologies/queue-drain/utils"
)

var ErrRecordExists = errors.New("record already exists")

// QueueRecord is one persisted queue message.
type QueueRecord struct {
	RecordKey   string `json:"recordKey" dynamodbav:"record_key"`
	ObjectKey   string `json:"objectKey" dynamodbav:"objectkey"`
	Process     string `json:"process" dynamodbav:"process"`
	Status      string `json:"status" dynamodbav:"status"`
	Message     string `json:"message" dynamodbav:"message"`
	SentTime    int64  `json:"sentTime" dynamodbav:"senttime"`
	CreatedTime int64  `json:"createdTime" dynamodbav:"timecreated"`
}

// NewRecordKey derives the idempotency key of a record from the fields the
// sender controls, so a redelivered message maps onto the same key.
func NewRecordKey(objectKey, process, status string, sentTime int64) string {
	return utils.SHA1Hex(objectKey, process, status, strconv.FormatInt(sentTime, 10))
}

func (r QueueRecord) WithKey() QueueRecord {
	if r.RecordKey == "" {
		r.RecordKey = NewRecordKey(r.ObjectKey, r.Process, r.Status, r.SentTime)
	}
	return r
}

// UniqueByKey drops records whose key already appeared earlier in the slice.
func UniqueByKey(records []QueueRecord) []QueueRecord {
	seen := make(map[string]struct{}, len(records))
	unique := make([]QueueRecord, 0, len(records))
	for _, r := range records {
		r = r.WithKey()
		if _, ok := seen[r.RecordKey]; ok {
			continue
		}
		seen[r.RecordKey] = struct{}{}
		unique = append(unique, r)
	}
	return unique
}
