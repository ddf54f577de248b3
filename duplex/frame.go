package duplex

import (
	"encoding/json"
)

// frame is the wire shape shared by every protocol message. Field presence
// decides the frame kind, so absent fields must stay nil after decoding:
// an absent field is a nil RawMessage, an explicit null is "null".
type frame struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

type frameKind int

const (
	// frameEvent is an unsolicited peer notification (no id field).
	frameEvent frameKind = iota
	// frameCall is an inbound call (id and method).
	frameCall
	// frameErrorAck is a failure reply whose error value is explicitly
	// null. It is handled apart from frameError: an unmatched id is
	// discarded without a reply.
	frameErrorAck
	// frameError is a failure reply with a non-null error value.
	frameError
	// frameResult is a success reply. Any id-only frame lands here and
	// resolves with a null result.
	frameResult
)

// kind classifies a decoded frame. The classification is decided once here
// and matched exhaustively by the dispatcher.
func (f *frame) kind() frameKind {
	if len(f.ID) == 0 {
		return frameEvent
	}
	if f.Method != "" {
		return frameCall
	}
	if f.Error != nil {
		if isNull(f.Error) {
			return frameErrorAck
		}
		return frameError
	}
	return frameResult
}

// callID parses the frame id as an integer.
func (f *frame) callID() (int64, bool) {
	var id int64
	if err := json.Unmarshal(f.ID, &id); err != nil {
		return 0, false
	}
	return id, true
}

// isNull returns true if the raw value is a JSON null (spaces skipped).
func isNull(raw json.RawMessage) bool {
	i := 0
	for i < len(raw) && isSpace(raw[i]) {
		i++
	}
	return string(raw[i:]) == "null"
}

// isSpace returns true if the byte is considered a space in JSON syntax.
func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

var rawNull = json.RawMessage("null")

func encodeID(id int64) json.RawMessage {
	raw, _ := json.Marshal(id)
	return raw
}

// encodeCall builds an outbound call envelope.
func encodeCall(id int64, method string, params interface{}) (string, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return encodeFrame(&frame{ID: encodeID(id), Method: method, Params: rawParams})
}

// encodeResult builds a success reply for the given inbound id.
func encodeResult(id json.RawMessage, result interface{}) (string, error) {
	rawResult, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return encodeFrame(&frame{ID: id, Result: rawResult})
}

// encodeError builds a failure reply for the given inbound id. The error
// value is never null on the wire; a nil value is substituted with a
// generic message so the reply still reads as a failure.
func encodeError(id json.RawMessage, errValue interface{}) (string, error) {
	rawError, err := json.Marshal(errValue)
	if err != nil {
		return "", err
	}
	if isNull(rawError) {
		rawError, _ = json.Marshal("unknown error")
	}
	return encodeFrame(&frame{ID: id, Error: rawError})
}

// encodeMalformed builds the best-effort reply for a frame that failed to
// decode: an error message, an explicitly null result, and the recovered id
// (or null).
func encodeMalformed(id json.RawMessage, message string) string {
	if len(id) == 0 {
		id = rawNull
	}
	rawError, _ := json.Marshal(message)
	text, err := encodeFrame(&frame{ID: id, Result: rawNull, Error: rawError})
	if err != nil {
		// Marshaling a frame of raw fields cannot fail.
		return ""
	}
	return text
}

func encodeFrame(f *frame) (string, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// recoverID attempts to pull an id out of an undecodable frame.
func recoverID(text string) json.RawMessage {
	var partial struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal([]byte(text), &partial); err != nil {
		return nil
	}
	return partial.ID
}
