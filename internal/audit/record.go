// Package audit records every control outcome and every denial: one log
// line always, plus an append-only database row when a sink is
// configured. Database trouble never blocks or fails a request; rows
// spool to disk and replay later.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Actor is the platform-side user on whose behalf a control request ran.
type Actor struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Record is one audit row.
type Record struct {
	EventID     uuid.UUID       `json:"event_id"`
	Kind        string          `json:"kind"` // control or deny
	ClientID    string          `json:"client_id"`
	EntityID    string          `json:"entity_id,omitempty"`
	Service     string          `json:"service,omitempty"`
	Result      string          `json:"result,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	SourceIP    string          `json:"source_ip,omitempty"`
	ActorUserID string          `json:"actor_user_id,omitempty"`
	ActorRole   string          `json:"actor_role,omitempty"`
	RequestID   string          `json:"request_id,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

const (
	KindControl = "control"
	KindDeny    = "deny"
)

// line renders the stable log form. DENY lines carry the reason,
// CONTROL lines the result.
func (r *Record) line() string {
	actor := ""
	if r.ActorUserID != "" || r.ActorRole != "" {
		actor = fmt.Sprintf(", actor=%s/%s", orUnknown(r.ActorUserID), orUnknown(r.ActorRole))
	}
	if r.Kind == KindDeny {
		return fmt.Sprintf("DENY: client=%s, entity=%s, service=%s, reason=%s, source=%s%s",
			r.ClientID, r.EntityID, r.Service, r.Reason, r.SourceIP, actor)
	}
	return fmt.Sprintf("CONTROL: client=%s, entity=%s, service=%s, result=%s, source=%s%s",
		r.ClientID, r.EntityID, r.Service, r.Result, r.SourceIP, actor)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// spoolEntry wraps a record for the JSONL failover file.
type spoolEntry struct {
	EventID   string    `json:"event_id"`
	Payload   Record    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}
