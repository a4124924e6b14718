package push

import (
	"encoding/json"
	"log"

	"github.com/nats-io/nats.go"
)

// Mirror republishes platform-accepted batches to a local NATS subject
// so on-prem consumers can watch the same stream. Off by default; a nil
// Mirror is a no-op.
type Mirror struct {
	conn    *nats.Conn
	subject string
}

// Connect dials the NATS server. The connection retries in the
// background; a mirror outage never affects webhook delivery.
func Connect(natsURL, subject string) (*Mirror, error) {
	conn, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	return &Mirror{conn: conn, subject: subject}, nil
}

// Publish mirrors one accepted batch. Best-effort.
func (m *Mirror) Publish(batch []Event) {
	if m == nil || m.conn == nil {
		return
	}
	data, err := json.Marshal(map[string]any{"events": batch})
	if err != nil {
		return
	}
	if err := m.conn.Publish(m.subject, data); err != nil {
		log.Printf("[WARN] Push: NATS mirror publish failed: %v", err)
	}
}

func (m *Mirror) Close() {
	if m == nil || m.conn == nil {
		return
	}
	m.conn.Close()
}
