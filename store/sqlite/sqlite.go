/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements the document store (generic.TxStore) and the audit trail
  (generic.AuditLog) using SQLite. In production, the same patterns apply
  to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  generic.TxStore:  Source items, return requests, inpatient stays
  generic.AuditLog: Append-only audit entries

KEY TABLES:
  source_items:     Prescribed items with their consumption counter
  return_requests:  Request header; lines embedded as JSON by family
  inpatient_stays:  Stay header with cash limit and insurance
  stay_entries:     Occupancy and consultancy charges of a stay
  audit_log:        Who did what when

CONDITIONAL INCREMENT:
  IncrementConsumed is one UPDATE guarded by
    WHERE consumed = <expected> AND consumed + <delta> <= prescribed
  Zero affected rows means another writer won; the caller gets
  generic.ErrConcurrentModification.

CONCURRENCY:
  The pool is limited to one connection so a transaction never waits on
  a second connection that is itself waiting on the transaction. Reads
  made inside WithTx always go through the *sql.Tx.

USAGE:
  store, err := sqlite.New("./data/reconciliation.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := returns.NewService(store, store, logger)

MIGRATION:
  Schema is auto-migrated on New(). Open() wraps an existing *sql.DB and
  leaves migration to the caller.

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/reconciliation-engine/generic"
)

// Fixed-width UTC timestamps sort correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := Open(db)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Open wraps an existing database handle without migrating it.
func Open(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS source_items (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		family TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		appointment_id TEXT NOT NULL,
		company_id TEXT NOT NULL,
		encounter_id TEXT NOT NULL,
		encounter_date TEXT NOT NULL,
		name TEXT NOT NULL,
		prescribed INTEGER NOT NULL,
		consumed INTEGER NOT NULL DEFAULT 0,
		reference_doctype TEXT,
		reference_id TEXT,
		status TEXT NOT NULL,
		details_json TEXT,
		CHECK (consumed >= 0 AND consumed <= prescribed)
	);

	-- Eligibility lookups (hot path)
	CREATE INDEX IF NOT EXISTS idx_source_items_appointment
		ON source_items(patient_id, appointment_id, company_id, family);

	CREATE TABLE IF NOT EXISTS return_requests (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		appointment_id TEXT NOT NULL,
		company_id TEXT NOT NULL,
		requested_by TEXT NOT NULL,
		approved_by TEXT,
		state TEXT NOT NULL,
		lines_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		submitted_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_return_requests_appointment
		ON return_requests(patient_id, appointment_id, state);

	CREATE TABLE IF NOT EXISTS inpatient_stays (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		appointment_id TEXT NOT NULL,
		company_id TEXT NOT NULL,
		insurance_subscription TEXT,
		cash_limit TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_inpatient_stays_patient
		ON inpatient_stays(patient_id);

	CREATE TABLE IF NOT EXISTS stay_entries (
		stay_id TEXT NOT NULL REFERENCES inpatient_stays(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		description TEXT,
		value TEXT NOT NULL,
		is_confirmed INTEGER NOT NULL DEFAULT 0,
		invoiced INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		PRIMARY KEY (stay_id, kind, id)
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		subject TEXT NOT NULL,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_subject
		ON audit_log(subject, timestamp);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// docs holds the queries shared by Store and txStore.
type docs struct {
	q querier
}

// =============================================================================
// SOURCE ITEMS (generic.SourceStore interface)
// =============================================================================

const sourceColumns = `id, kind, family, patient_id, appointment_id, company_id, encounter_id,
	encounter_date, name, prescribed, consumed, reference_doctype, reference_id, status, details_json`

type itemDetails struct {
	Drug    *generic.DrugDetails    `json:"drug,omitempty"`
	Therapy *generic.TherapyDetails `json:"therapy,omitempty"`
}

func (s *Store) ListSourceItems(ctx context.Context, filter generic.SourceFilter) ([]generic.SourceItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return docs{s.db}.listSourceItems(ctx, filter)
}

func (s *Store) GetSourceItem(ctx context.Context, id generic.SourceID) (*generic.SourceItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return docs{s.db}.getSourceItem(ctx, id)
}

func (s *Store) SaveSourceItem(ctx context.Context, item generic.SourceItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return docs{s.db}.saveSourceItem(ctx, item)
}

func (s *Store) IncrementConsumed(ctx context.Context, id generic.SourceID, expected, delta generic.Quantity) (*generic.SourceItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return docs{s.db}.incrementConsumed(ctx, id, expected, delta)
}

func (d docs) listSourceItems(ctx context.Context, filter generic.SourceFilter) ([]generic.SourceItem, error) {
	var (
		where []string
		args  []any
	)
	if filter.PatientID != "" {
		where = append(where, "patient_id = ?")
		args = append(args, filter.PatientID)
	}
	if filter.AppointmentID != "" {
		where = append(where, "appointment_id = ?")
		args = append(args, filter.AppointmentID)
	}
	if filter.CompanyID != "" {
		where = append(where, "company_id = ?")
		args = append(args, filter.CompanyID)
	}
	if filter.Family != "" {
		where = append(where, "family = ?")
		args = append(args, filter.Family)
	}

	query := "SELECT " + sourceColumns + " FROM source_items"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := d.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query source items: %w", err)
	}
	defer rows.Close()

	var items []generic.SourceItem
	for rows.Next() {
		item, err := scanSourceItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (d docs) getSourceItem(ctx context.Context, id generic.SourceID) (*generic.SourceItem, error) {
	row := d.q.QueryRowContext(ctx, "SELECT "+sourceColumns+" FROM source_items WHERE id = ?", id)
	item, err := scanSourceItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", generic.ErrSourceItemNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (d docs) saveSourceItem(ctx context.Context, item generic.SourceItem) error {
	if item.Kind == nil {
		return fmt.Errorf("%w: source item %s has no kind", generic.ErrValidation, item.ID)
	}
	detailsJSON, err := json.Marshal(itemDetails{Drug: item.Drug, Therapy: item.Therapy})
	if err != nil {
		return fmt.Errorf("failed to encode item details: %w", err)
	}

	query := `
		INSERT INTO source_items (` + sourceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			family = excluded.family,
			patient_id = excluded.patient_id,
			appointment_id = excluded.appointment_id,
			company_id = excluded.company_id,
			encounter_id = excluded.encounter_id,
			encounter_date = excluded.encounter_date,
			name = excluded.name,
			prescribed = excluded.prescribed,
			consumed = excluded.consumed,
			reference_doctype = excluded.reference_doctype,
			reference_id = excluded.reference_id,
			status = excluded.status,
			details_json = excluded.details_json
	`
	_, err = d.q.ExecContext(ctx, query,
		item.ID,
		item.Kind.KindID(),
		item.Kind.Family(),
		item.PatientID,
		item.AppointmentID,
		item.CompanyID,
		item.EncounterID,
		formatTime(item.EncounterDate),
		item.Name,
		int64(item.Prescribed),
		int64(item.Consumed),
		nullString(item.ReferenceDoctype),
		nullString(item.ReferenceID),
		item.Status,
		string(detailsJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to save source item: %w", err)
	}
	return nil
}

func (d docs) incrementConsumed(ctx context.Context, id generic.SourceID, expected, delta generic.Quantity) (*generic.SourceItem, error) {
	// SET expressions see the row before the update.
	query := `
		UPDATE source_items
		SET consumed = consumed + ?,
		    status = CASE
		        WHEN consumed + ? >= prescribed THEN ?
		        WHEN consumed + ? > 0 THEN ?
		        ELSE ?
		    END
		WHERE id = ? AND consumed = ? AND consumed + ? <= prescribed
	`
	res, err := d.q.ExecContext(ctx, query,
		int64(delta),
		int64(delta), generic.ItemFullyReturned,
		int64(delta), generic.ItemPartiallyReturned,
		generic.ItemActive,
		id, int64(expected), int64(delta),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to increment consumption: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to increment consumption: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: source item %s", generic.ErrConcurrentModification, id)
	}
	return d.getSourceItem(ctx, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSourceItem(row scanner) (generic.SourceItem, error) {
	var (
		item          generic.SourceItem
		kindID        string
		family        string
		encounterDate string
		prescribed    int64
		consumed      int64
		refDoctype    sql.NullString
		refID         sql.NullString
		status        string
		detailsJSON   sql.NullString
	)
	err := row.Scan(
		&item.ID, &kindID, &family, &item.PatientID, &item.AppointmentID, &item.CompanyID,
		&item.EncounterID, &encounterDate, &item.Name, &prescribed, &consumed,
		&refDoctype, &refID, &status, &detailsJSON,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return item, err
		}
		return item, fmt.Errorf("failed to scan source item: %w", err)
	}

	item.Kind = kindFor(kindID, generic.Family(family))
	item.EncounterDate = parseTime(encounterDate)
	item.Prescribed = generic.Quantity(prescribed)
	item.Consumed = generic.Quantity(consumed)
	item.ReferenceDoctype = refDoctype.String
	item.ReferenceID = refID.String
	item.Status = generic.ItemStatus(status)

	if detailsJSON.Valid && detailsJSON.String != "" {
		var details itemDetails
		if err := json.Unmarshal([]byte(detailsJSON.String), &details); err != nil {
			return item, fmt.Errorf("failed to decode item details: %w", err)
		}
		item.Drug = details.Drug
		item.Therapy = details.Therapy
	}
	return item, nil
}

// kindFor rehydrates a kind via the registry, keeping the stored family
// when the kind is not registered.
func kindFor(id string, family generic.Family) generic.ItemKind {
	if k := generic.LookupKind(id); k != nil {
		return k
	}
	return generic.StringKind{ID: id, Fam: family}
}

// =============================================================================
// RETURN REQUESTS (generic.ReturnStore interface)
// =============================================================================

const returnColumns = `id, patient_id, appointment_id, company_id, requested_by, approved_by,
	state, lines_json, created_at, updated_at, submitted_at`

type lineRecord struct {
	SourceID         generic.SourceID        `json:"source_id"`
	Kind             string                  `json:"kind"`
	Family           generic.Family          `json:"family"`
	EncounterID      generic.EncounterID     `json:"encounter_id"`
	Name             string                  `json:"name"`
	Prescribed       generic.Quantity        `json:"prescribed"`
	ConsumedAtAttach generic.Quantity        `json:"consumed_at_attach"`
	Requested        generic.Quantity        `json:"requested"`
	Reason           string                  `json:"reason,omitempty"`
	DrugCondition    string                  `json:"drug_condition,omitempty"`
	ReferenceDoctype string                  `json:"reference_doctype,omitempty"`
	ReferenceID      string                  `json:"reference_id,omitempty"`
	Drug             *generic.DrugDetails    `json:"drug,omitempty"`
	Therapy          *generic.TherapyDetails `json:"therapy,omitempty"`
}

type linesDocument struct {
	LRP     []lineRecord `json:"lrp"`
	Therapy []lineRecord `json:"therapy"`
	Drug    []lineRecord `json:"drug"`
}

func (s *Store) SaveReturnRequest(ctx context.Context, r *generic.ReturnRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return docs{s.db}.saveReturnRequest(ctx, r)
}

func (s *Store) GetReturnRequest(ctx context.Context, id generic.ReturnID) (*generic.ReturnRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return docs{s.db}.getReturnRequest(ctx, id)
}

func (s *Store) ListReturnRequests(ctx context.Context, filter generic.ReturnFilter) ([]*generic.ReturnRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return docs{s.db}.listReturnRequests(ctx, filter)
}

func (d docs) saveReturnRequest(ctx context.Context, r *generic.ReturnRequest) error {
	linesJSON, err := json.Marshal(linesDocument{
		LRP:     toLineRecords(r.LRPLines),
		Therapy: toLineRecords(r.TherapyLines),
		Drug:    toLineRecords(r.DrugLines),
	})
	if err != nil {
		return fmt.Errorf("failed to encode return lines: %w", err)
	}

	var approvedBy, submittedAt sql.NullString
	if r.ApprovedBy != nil {
		approvedBy = sql.NullString{String: *r.ApprovedBy, Valid: true}
	}
	if r.SubmittedAt != nil {
		submittedAt = sql.NullString{String: formatTime(*r.SubmittedAt), Valid: true}
	}

	query := `
		INSERT INTO return_requests (` + returnColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			approved_by = excluded.approved_by,
			state = excluded.state,
			lines_json = excluded.lines_json,
			updated_at = excluded.updated_at,
			submitted_at = excluded.submitted_at
	`
	_, err = d.q.ExecContext(ctx, query,
		r.ID, r.PatientID, r.AppointmentID, r.CompanyID, r.RequestedBy, approvedBy,
		r.State, string(linesJSON), formatTime(r.CreatedAt), formatTime(r.UpdatedAt), submittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save return request: %w", err)
	}
	return nil
}

func (d docs) getReturnRequest(ctx context.Context, id generic.ReturnID) (*generic.ReturnRequest, error) {
	row := d.q.QueryRowContext(ctx, "SELECT "+returnColumns+" FROM return_requests WHERE id = ?", id)
	r, err := scanReturnRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", generic.ErrReturnNotFound, id)
	}
	return r, err
}

func (d docs) listReturnRequests(ctx context.Context, filter generic.ReturnFilter) ([]*generic.ReturnRequest, error) {
	var (
		where []string
		args  []any
	)
	if filter.PatientID != "" {
		where = append(where, "patient_id = ?")
		args = append(args, filter.PatientID)
	}
	if filter.AppointmentID != "" {
		where = append(where, "appointment_id = ?")
		args = append(args, filter.AppointmentID)
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, st)
		}
		where = append(where, "state IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := "SELECT " + returnColumns + " FROM return_requests"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := d.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query return requests: %w", err)
	}
	defer rows.Close()

	var result []*generic.ReturnRequest
	for rows.Next() {
		r, err := scanReturnRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func scanReturnRequest(row scanner) (*generic.ReturnRequest, error) {
	var (
		r           generic.ReturnRequest
		approvedBy  sql.NullString
		state       string
		linesJSON   string
		createdAt   string
		updatedAt   string
		submittedAt sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.PatientID, &r.AppointmentID, &r.CompanyID, &r.RequestedBy, &approvedBy,
		&state, &linesJSON, &createdAt, &updatedAt, &submittedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan return request: %w", err)
	}

	var lines linesDocument
	if err := json.Unmarshal([]byte(linesJSON), &lines); err != nil {
		return nil, fmt.Errorf("failed to decode return lines: %w", err)
	}
	r.LRPLines = fromLineRecords(lines.LRP)
	r.TherapyLines = fromLineRecords(lines.Therapy)
	r.DrugLines = fromLineRecords(lines.Drug)

	r.State = generic.ReturnState(state)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	if approvedBy.Valid {
		a := approvedBy.String
		r.ApprovedBy = &a
	}
	if submittedAt.Valid {
		t := parseTime(submittedAt.String)
		r.SubmittedAt = &t
	}
	return &r, nil
}

func toLineRecords(lines []generic.ReturnLine) []lineRecord {
	out := make([]lineRecord, 0, len(lines))
	for _, l := range lines {
		rec := lineRecord{
			SourceID:         l.SourceID,
			Family:           l.Family(),
			EncounterID:      l.EncounterID,
			Name:             l.Name,
			Prescribed:       l.Prescribed,
			ConsumedAtAttach: l.ConsumedAtAttach,
			Requested:        l.Requested,
			Reason:           l.Reason,
			DrugCondition:    l.DrugCondition,
			ReferenceDoctype: l.ReferenceDoctype,
			ReferenceID:      l.ReferenceID,
			Drug:             l.Drug,
			Therapy:          l.Therapy,
		}
		if l.Kind != nil {
			rec.Kind = l.Kind.KindID()
		}
		out = append(out, rec)
	}
	return out
}

func fromLineRecords(recs []lineRecord) []generic.ReturnLine {
	if len(recs) == 0 {
		return nil
	}
	out := make([]generic.ReturnLine, 0, len(recs))
	for _, rec := range recs {
		out = append(out, generic.ReturnLine{
			SourceID:         rec.SourceID,
			Kind:             kindFor(rec.Kind, rec.Family),
			EncounterID:      rec.EncounterID,
			Name:             rec.Name,
			Prescribed:       rec.Prescribed,
			ConsumedAtAttach: rec.ConsumedAtAttach,
			Requested:        rec.Requested,
			Reason:           rec.Reason,
			DrugCondition:    rec.DrugCondition,
			ReferenceDoctype: rec.ReferenceDoctype,
			ReferenceID:      rec.ReferenceID,
			Drug:             rec.Drug,
			Therapy:          rec.Therapy,
		})
	}
	return out
}

// =============================================================================
// INPATIENT STAYS (generic.StayStore interface)
// =============================================================================

func (s *Store) SaveStay(ctx context.Context, stay *generic.InpatientStay) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := (docs{sqlTx}).saveStay(ctx, stay); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) GetStay(ctx context.Context, id generic.StayID) (*generic.InpatientStay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return docs{s.db}.getStay(ctx, id)
}

func (s *Store) ListStays(ctx context.Context, patientID generic.PatientID) ([]*generic.InpatientStay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return docs{s.db}.listStays(ctx, patientID)
}

// saveStay replaces the stay and all of its entries. Callers outside a
// transaction must wrap it in one.
func (d docs) saveStay(ctx context.Context, stay *generic.InpatientStay) error {
	query := `
		INSERT INTO inpatient_stays (id, patient_id, appointment_id, company_id, insurance_subscription, cash_limit)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			patient_id = excluded.patient_id,
			appointment_id = excluded.appointment_id,
			company_id = excluded.company_id,
			insurance_subscription = excluded.insurance_subscription,
			cash_limit = excluded.cash_limit
	`
	_, err := d.q.ExecContext(ctx, query,
		stay.ID, stay.PatientID, stay.AppointmentID, stay.CompanyID,
		nullString(stay.InsuranceSubscription), stay.CashLimit.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to save stay: %w", err)
	}

	if _, err := d.q.ExecContext(ctx, "DELETE FROM stay_entries WHERE stay_id = ?", stay.ID); err != nil {
		return fmt.Errorf("failed to replace stay entries: %w", err)
	}

	insert := `
		INSERT INTO stay_entries
		(stay_id, kind, id, seq, description, value, is_confirmed, invoiced, state, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for i, e := range stay.Entries() {
		_, err := d.q.ExecContext(ctx, insert,
			stay.ID, e.Kind, e.ID, i, e.Description, e.Value.String(),
			boolInt(e.IsConfirmed), boolInt(e.Invoiced), e.State, formatTime(e.RecordedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save stay entry %s: %w", e.ID, err)
		}
	}
	return nil
}

func (d docs) getStay(ctx context.Context, id generic.StayID) (*generic.InpatientStay, error) {
	var (
		stay      generic.InpatientStay
		insurance sql.NullString
		cashLimit string
	)
	err := d.q.QueryRowContext(ctx, `
		SELECT id, patient_id, appointment_id, company_id, insurance_subscription, cash_limit
		FROM inpatient_stays WHERE id = ?
	`, id).Scan(&stay.ID, &stay.PatientID, &stay.AppointmentID, &stay.CompanyID, &insurance, &cashLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", generic.ErrStayNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stay: %w", err)
	}
	stay.InsuranceSubscription = insurance.String
	if stay.CashLimit, err = decimal.NewFromString(cashLimit); err != nil {
		return nil, fmt.Errorf("invalid cash limit on stay %s: %w", id, err)
	}

	rows, err := d.q.QueryContext(ctx, `
		SELECT kind, id, description, value, is_confirmed, invoiced, state, recorded_at
		FROM stay_entries WHERE stay_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load stay entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e           generic.ChargeEntry
			kind        string
			description sql.NullString
			value       string
			confirmed   int
			invoiced    int
			state       string
			recordedAt  string
		)
		if err := rows.Scan(&kind, &e.ID, &description, &value, &confirmed, &invoiced, &state, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stay entry: %w", err)
		}
		e.Kind = generic.EntryKind(kind)
		e.Description = description.String
		if e.Value, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("invalid value on entry %s: %w", e.ID, err)
		}
		e.IsConfirmed = confirmed != 0
		e.Invoiced = invoiced != 0
		e.State = generic.ConfirmState(state)
		e.RecordedAt = parseTime(recordedAt)
		stay.AddEntry(e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &stay, nil
}

func (d docs) listStays(ctx context.Context, patientID generic.PatientID) ([]*generic.InpatientStay, error) {
	query := "SELECT id FROM inpatient_stays"
	var args []any
	if patientID != "" {
		query += " WHERE patient_id = ?"
		args = append(args, patientID)
	}
	query += " ORDER BY id"

	rows, err := d.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stays: %w", err)
	}
	var ids []generic.StayID
	for rows.Next() {
		var id generic.StayID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows are closed first; the pool has a single connection.
	stays := make([]*generic.InpatientStay, 0, len(ids))
	for _, id := range ids {
		stay, err := d.getStay(ctx, id)
		if err != nil {
			return nil, err
		}
		stays = append(stays, stay)
	}
	return stays, nil
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{docs{sqlTx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore routes every read and write through the open *sql.Tx.
type txStore struct {
	d docs
}

func (ts *txStore) ListSourceItems(ctx context.Context, filter generic.SourceFilter) ([]generic.SourceItem, error) {
	return ts.d.listSourceItems(ctx, filter)
}

func (ts *txStore) GetSourceItem(ctx context.Context, id generic.SourceID) (*generic.SourceItem, error) {
	return ts.d.getSourceItem(ctx, id)
}

func (ts *txStore) SaveSourceItem(ctx context.Context, item generic.SourceItem) error {
	return ts.d.saveSourceItem(ctx, item)
}

func (ts *txStore) IncrementConsumed(ctx context.Context, id generic.SourceID, expected, delta generic.Quantity) (*generic.SourceItem, error) {
	return ts.d.incrementConsumed(ctx, id, expected, delta)
}

func (ts *txStore) SaveReturnRequest(ctx context.Context, r *generic.ReturnRequest) error {
	return ts.d.saveReturnRequest(ctx, r)
}

func (ts *txStore) GetReturnRequest(ctx context.Context, id generic.ReturnID) (*generic.ReturnRequest, error) {
	return ts.d.getReturnRequest(ctx, id)
}

func (ts *txStore) ListReturnRequests(ctx context.Context, filter generic.ReturnFilter) ([]*generic.ReturnRequest, error) {
	return ts.d.listReturnRequests(ctx, filter)
}

func (ts *txStore) SaveStay(ctx context.Context, stay *generic.InpatientStay) error {
	return ts.d.saveStay(ctx, stay)
}

func (ts *txStore) GetStay(ctx context.Context, id generic.StayID) (*generic.InpatientStay, error) {
	return ts.d.getStay(ctx, id)
}

func (ts *txStore) ListStays(ctx context.Context, patientID generic.PatientID) ([]*generic.InpatientStay, error) {
	return ts.d.listStays(ctx, patientID)
}

// =============================================================================
// AUDIT LOG (generic.AuditLog interface)
// =============================================================================

// Append writes an audit entry.
func (s *Store) Append(ctx context.Context, entry generic.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payloadJSON, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, actor_id, action, subject, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, formatTime(entry.Timestamp), nullString(entry.ActorID), entry.Action, entry.Subject, string(payloadJSON))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Query returns matching audit entries oldest first.
func (s *Store) Query(ctx context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, filter.Subject)
	}
	if filter.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	query := "SELECT id, timestamp, actor_id, action, subject, payload_json FROM audit_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, rowid ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []generic.AuditEntry
	for rows.Next() {
		var (
			e           generic.AuditEntry
			ts          string
			actor       sql.NullString
			action      string
			payloadJSON sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &actor, &action, &e.Subject, &payloadJSON); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp = parseTime(ts)
		e.ActorID = actor.String
		e.Action = generic.AuditAction(action)
		if payloadJSON.Valid && payloadJSON.String != "" && payloadJSON.String != "null" {
			if err := json.Unmarshal([]byte(payloadJSON.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode audit payload: %w", err)
			}
		}
		if filter.Matches(e) {
			entries = append(entries, e)
		}
	}
	return entries, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"stay_entries", "inpatient_stays", "return_requests", "source_items", "audit_log"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
