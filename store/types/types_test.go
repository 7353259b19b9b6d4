package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRecordKey(t *testing.T) {
	key := NewRecordKey("7eaaf63136bfcfe8be4978e72bdbad68453dbd72", "transcode", "success", 1571880302)

	assert.Len(t, key, 40)
	assert.Equal(t, key, NewRecordKey("7eaaf63136bfcfe8be4978e72bdbad68453dbd72", "transcode", "success", 1571880302))
	assert.NotEqual(t, key, NewRecordKey("7eaaf63136bfcfe8be4978e72bdbad68453dbd72", "transcode", "success", 1571880303))
	assert.NotEqual(t, key, NewRecordKey("7eaaf63136bfcfe8be4978e72bdbad68453dbd72", "transcode", "error", 1571880302))
}

func TestWithKeyKeepsExplicitKey(t *testing.T) {
	r := QueueRecord{RecordKey: "explicit", ObjectKey: "a"}
	assert.Equal(t, "explicit", r.WithKey().RecordKey)

	derived := QueueRecord{ObjectKey: "a", Process: "p", SentTime: 1}.WithKey()
	assert.Equal(t, NewRecordKey("a", "p", "", 1), derived.RecordKey)
}

func TestUniqueByKey(t *testing.T) {
	records := []QueueRecord{
		{ObjectKey: "a", Process: "p", SentTime: 1},
		{ObjectKey: "b", Process: "p", SentTime: 1},
		{ObjectKey: "a", Process: "p", SentTime: 1, CreatedTime: 99},
	}

	unique := UniqueByKey(records)

	assert.Len(t, unique, 2)
	assert.Equal(t, "a", unique[0].ObjectKey)
	assert.Zero(t, unique[0].CreatedTime)
	assert.Equal(t, "b", unique[1].ObjectKey)
}
