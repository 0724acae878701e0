package messagequeue

import (
	"encoding/json"
	"fmt"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects only need valid JSON.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch subject {
	case SubjectAuditEntry:
		var p AuditEntryPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.Operation == "" {
			return fmt.Errorf("schema validation failed for %s: operation is required", subject)
		}
	case SubjectWebhookDispatch:
		var p WebhookDispatchPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.URL == "" {
			return fmt.Errorf("schema validation failed for %s: url is required", subject)
		}
	}
	return nil
}
