package operation

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/forrst-rpc/forrstd/model"
)

// cursorPayload is the decoded continuation token. The caller and filter
// are echoed into the token so a cursor minted for one listing cannot be
// replayed against a different one.
type cursorPayload struct {
	Offset   int    `json:"o"`
	CallerID string `json:"c"`
	Status   string `json:"s,omitempty"`
	Function string `json:"f,omitempty"`
}

// encodeCursor mints an opaque continuation token for the next page.
func encodeCursor(offset int, callerID string, filter Filter) string {
	payload := cursorPayload{
		Offset:   offset,
		CallerID: callerID,
		Status:   string(filter.Status),
		Function: string(filter.Function),
	}
	data, _ := json.Marshal(payload)
	return base64.RawURLEncoding.EncodeToString(data)
}

// decodeCursor validates and decodes a continuation token. A token that
// does not decode, or that was minted for a different caller or filter, is
// a validation failure, never a silent reset to page one.
func decodeCursor(token, callerID string, filter Filter) (int, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("decode cursor: %w", model.NewValidationError("/cursor", "cursor is not a valid continuation token"))
	}

	var payload cursorPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return 0, fmt.Errorf("decode cursor: %w", model.NewValidationError("/cursor", "cursor is not a valid continuation token"))
	}

	if payload.Offset < 0 ||
		payload.CallerID != callerID ||
		payload.Status != string(filter.Status) ||
		payload.Function != string(filter.Function) {
		return 0, fmt.Errorf("decode cursor: %w", model.NewValidationError("/cursor", "cursor does not match this listing"))
	}

	return payload.Offset, nil
}
