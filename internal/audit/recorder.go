package audit

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	dbWriteTimeout     = 5 * time.Second
	maxConcurrentWrite = 4
)

// Recorder is the audit facade the handlers call. A nil db keeps the
// log-line path only.
type Recorder struct {
	db    *sql.DB
	spool *Spool
	sem   chan struct{}
	wg    sync.WaitGroup
}

func NewRecorder(db *sql.DB, spool *Spool) *Recorder {
	return &Recorder{
		db:    db,
		spool: spool,
		sem:   make(chan struct{}, maxConcurrentWrite),
	}
}

// Control records a control attempt outcome (success or error text).
func (r *Recorder) Control(clientID, entityID, service, result, sourceIP string, actor *Actor) {
	rec := r.newRecord(KindControl, clientID, entityID, service, sourceIP, actor)
	rec.Result = result
	log.Print(rec.line())
	r.persistAsync(rec)
}

// Deny records a rejected request with the taxonomy reason.
func (r *Recorder) Deny(clientID, entityID, service, reason, sourceIP string, actor *Actor) {
	rec := r.newRecord(KindDeny, clientID, entityID, service, sourceIP, actor)
	rec.Reason = reason
	log.Printf("[WARN] %s", rec.line())
	r.persistAsync(rec)
}

func (r *Recorder) newRecord(kind, clientID, entityID, service, sourceIP string, actor *Actor) Record {
	rec := Record{
		EventID:   uuid.New(),
		Kind:      kind,
		ClientID:  clientID,
		EntityID:  entityID,
		Service:   service,
		SourceIP:  sourceIP,
		CreatedAt: time.Now().UTC(),
	}
	if actor != nil {
		rec.ActorUserID = actor.UserID
		rec.ActorRole = actor.Role
	}
	return rec
}

func (r *Recorder) persistAsync(rec Record) {
	if r.db == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sem <- struct{}{}
		defer func() { <-r.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), dbWriteTimeout)
		defer cancel()
		if err := r.writeRow(ctx, rec); err != nil {
			log.Printf("[WARN] Audit DB write failed, spooling %s: %v", rec.EventID, err)
			if r.spool == nil {
				return
			}
			if spoolErr := r.spool.Append(rec); spoolErr != nil {
				log.Printf("[ERROR] Audit spool failed for %s: %v", rec.EventID, spoolErr)
			}
		}
	}()
}

func (r *Recorder) writeRow(ctx context.Context, rec Record) error {
	const query = `
		INSERT INTO bridge_audit_events (
			event_id, kind, client_id, entity_id, service, result, reason,
			source_ip, actor_user_id, actor_role, request_id, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (event_id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.EventID, rec.Kind, rec.ClientID, rec.EntityID, rec.Service, rec.Result,
		rec.Reason, rec.SourceIP, rec.ActorUserID, rec.ActorRole, rec.RequestID,
		nullableJSON(rec.Metadata), rec.CreatedAt,
	)
	return err
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// Close waits for in-flight database writes.
func (r *Recorder) Close() {
	r.wg.Wait()
}
