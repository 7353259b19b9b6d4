package drain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/finch-technologies/queue-drain/queue/types"
	storetypes "github.com/finch-technologies/queue-drain/store/types"
)

// payload is the message body sent by the conversion pipeline.
type payload struct {
	ObjectKey string          `json:"objectkey"`
	Process   string          `json:"process"`
	Status    looseString     `json:"status"`
	Message   json.RawMessage `json:"message"`
	Timestamp *looseInt       `json:"timestamp"`
}

// looseString accepts a JSON string, number or boolean.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = looseString(str)
		return nil
	}

	var scalar any
	if err := json.Unmarshal(data, &scalar); err != nil {
		return err
	}

	switch v := scalar.(type) {
	case float64, bool:
		*s = looseString(strings.TrimSpace(string(data)))
		return nil
	default:
		return fmt.Errorf("expected a scalar, got %T", v)
	}
}

// looseInt accepts an integer epoch as a JSON number or numeric string.
type looseInt int64

func (i *looseInt) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)

	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*i = looseInt(n)
		return nil
	}

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("invalid timestamp %s", data)
	}

	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return fmt.Errorf("timestamp %s is out of range", data)
	}

	*i = looseInt(int64(f))
	return nil
}

// decodeRecord turns a delivery body into a queue record stamped with now.
func decodeRecord(message types.RawMessage, now time.Time) (storetypes.QueueRecord, error) {
	var body payload
	if err := json.Unmarshal([]byte(message.Body), &body); err != nil {
		return storetypes.QueueRecord{}, err
	}

	var missing []string
	if body.ObjectKey == "" {
		missing = append(missing, "objectkey")
	}
	if body.Process == "" {
		missing = append(missing, "process")
	}
	if body.Timestamp == nil {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return storetypes.QueueRecord{}, errors.New("missing " + strings.Join(missing, ", "))
	}

	detail, err := compactMessage(body.Message)
	if err != nil {
		return storetypes.QueueRecord{}, err
	}

	record := storetypes.QueueRecord{
		ObjectKey:   body.ObjectKey,
		Process:     body.Process,
		Status:      string(body.Status),
		Message:     detail,
		SentTime:    int64(*body.Timestamp),
		CreatedTime: now.Unix(),
	}

	return record.WithKey(), nil
}

// compactMessage re-encodes the detail payload as compact JSON text.
func compactMessage(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "null", nil
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", fmt.Errorf("invalid message detail: %w", err)
	}

	return buf.String(), nil
}
