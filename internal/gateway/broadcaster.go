package gateway

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"cryptoindex/internal/model"
)

// Message types sent to clients.
const (
	TypeWelcome = "welcome"
	// TypeIndex is a value produced by a recomputation.
	TypeIndex = "index"
	// TypeSnapshot replays the last known value of an index to a client
	// that just connected; it is not a new recomputation.
	TypeSnapshot = "snapshot"
)

// indexMessage builds the wire form of one index update:
//
//	{"type":"index","index":"BTC-USD-INDEX","value":140.5,"timestamp":"...","seq":7}
func indexMessage(v model.IndexValue, seq int64) ([]byte, error) {
	return valueMessage(TypeIndex, v, seq)
}

// snapshotMessage is indexMessage with the "snapshot" type; seq is the
// sequence number the value was originally broadcast with.
func snapshotMessage(v model.IndexValue, seq int64) ([]byte, error) {
	return valueMessage(TypeSnapshot, v, seq)
}

// valueMessage uses hand-crafted JSON for performance; the name is quoted
// with encoding/json so any index name stays valid.
func valueMessage(typ string, v model.IndexValue, seq int64) ([]byte, error) {
	if math.IsNaN(v.Value) || math.IsInf(v.Value, 0) {
		return nil, fmt.Errorf("non-finite value %v", v.Value)
	}
	name, err := json.Marshal(v.Index)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(name)+104)
	buf = append(buf, `{"type":"`...)
	buf = append(buf, typ...)
	buf = append(buf, `","index":`...)
	buf = append(buf, name...)
	buf = append(buf, `,"value":`...)
	buf = strconv.AppendFloat(buf, v.Value, 'f', -1, 64)
	buf = append(buf, `,"timestamp":"`...)
	buf = v.Timestamp.UTC().AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, '}')
	return buf, nil
}

// WelcomeMessage is the first message every client receives.
type WelcomeMessage struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Client   string `json:"client"`
	ClientID uint64 `json:"client_id"`
}

// IndexMessage is the decoded form of an index or snapshot message, for
// consumers.
type IndexMessage struct {
	Type      string    `json:"type"`
	Index     string    `json:"index"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Seq       int64     `json:"seq"`
}

func welcomeMessage(c *Client) []byte {
	msg, _ := json.Marshal(WelcomeMessage{
		Type:     TypeWelcome,
		Message:  "Connected to Crypto Index Collector. Client: " + c.remoteAddr,
		Client:   c.remoteAddr,
		ClientID: c.id,
	})
	return msg
}
