package channel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shineum/socket-mail-relay/internal/dispatch"
)

const (
	eventRequest  = "request"
	eventResponse = "response"
)

// Wire values of the response payload.
const (
	ResponseSent    = "MAILSENT"
	ResponseFailure = "FAILURE"
)

var errEmptyData = errors.New("request carries no data")

// frame is one text message in either direction. ID is echoed verbatim.
type frame struct {
	Event string          `json:"event"`
	ID    json.RawMessage `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// payload is the body of a request event.
type payload struct {
	ToEmails Recipients `json:"ToEmails"`
	Subject  string     `json:"Subject"`
	Body     string     `json:"Body"`
}

type responsePayload struct {
	Response string `json:"response"`
}

// Recipients accepts either a single address or a list of addresses.
type Recipients []string

// UnmarshalJSON implements json.Unmarshaler.
func (r *Recipients) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*r = nil
		return nil
	}

	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*r = Recipients{one}
		return nil
	}

	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("ToEmails must be a string or an array of strings")
	}
	*r = many
	return nil
}

// decodeRequest reads the data of a request event. The payload is normally a
// JSON string holding the serialized object; a bare object is accepted too.
func decodeRequest(data json.RawMessage) (dispatch.Request, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return dispatch.Request{}, errEmptyData
	}

	if data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return dispatch.Request{}, fmt.Errorf("decode request text: %w", err)
		}
		data = []byte(text)
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return dispatch.Request{}, fmt.Errorf("decode request: %w", err)
	}
	return dispatch.Request{To: p.ToEmails, Subject: p.Subject, Body: p.Body}, nil
}

// encodeResponse builds the response event for outcome. data is the
// serialized payload carried as a JSON string.
func encodeResponse(id json.RawMessage, outcome dispatch.Outcome) []byte {
	resp := responsePayload{Response: ResponseFailure}
	if outcome == dispatch.Sent {
		resp.Response = ResponseSent
	}

	inner, _ := json.Marshal(resp)
	data, _ := json.Marshal(string(inner))
	out, _ := json.Marshal(frame{Event: eventResponse, ID: id, Data: data})
	return out
}
