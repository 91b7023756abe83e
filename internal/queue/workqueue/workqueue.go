// Package workqueue implements the claim, ack, abandon, fail, reap, revive
// protocol shared by the outbox, inbox, timer, and job-run stores. One Store
// carries the prepared SQL for a single table binding; callers pass the
// querier per call so the same Store serves every tenant database and can
// enlist in a caller transaction.
package workqueue

import (
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// Status is the lifecycle state persisted on a work row
type Status string

const (
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"

	// inbox rows use their own vocabulary for the pre-terminal states
	StatusSeen       Status = "seen"
	StatusProcessing Status = "processing"
)

// Binding ties a Store to one physical table and its status vocabulary
type Binding struct {
	// Table is the schema-qualified table name, e.g. "infra.outbox"
	Table string `validate:"required,wq_ident"`

	// AttemptColumn is the retry counter column ("retry_count" or "attempt")
	AttemptColumn string `validate:"required,wq_ident"`

	// ReadyStatus and BusyStatus are the claimable and claimed states
	// (ready/in_progress for outbox-shaped tables, seen/processing for inbox)
	ReadyStatus Status `validate:"required,oneof=ready seen"`
	BusyStatus  Status `validate:"required,oneof=in_progress processing"`

	// TerminalStatus is where fail() parks a row (failed or dead)
	TerminalStatus Status `validate:"required,oneof=failed dead"`
}

// OutboxBinding returns the standard binding for an outbox-shaped table
func OutboxBinding(table string) Binding {
	return Binding{
		Table:          table,
		AttemptColumn:  "retry_count",
		ReadyStatus:    StatusReady,
		BusyStatus:     StatusInProgress,
		TerminalStatus: StatusFailed,
	}
}

// InboxBinding returns the binding for an inbox-shaped table
func InboxBinding(table string) Binding {
	return Binding{
		Table:          table,
		AttemptColumn:  "attempt",
		ReadyStatus:    StatusSeen,
		BusyStatus:     StatusProcessing,
		TerminalStatus: StatusDead,
	}
}

// Item is the common projection every work table shares. Kind-specific
// columns (inbox source, job-run name) are fetched by the owning package.
type Item struct {
	ID            string
	Topic         string
	Payload       []byte
	CorrelationID string
	MessageID     string
	JoinID        string
	Attempt       int
	OwnerToken    string
	CreatedAt     time.Time
	DueTimeUTC    *time.Time
	NextAttemptAt time.Time
	LockedUntil   *time.Time
	LastError     string
}

// Message is the insert shape accepted by Enqueue
type Message struct {
	Topic         string `validate:"required"`
	Payload       []byte
	CorrelationID string
	MessageID     string
	JoinID        string
	DueTimeUTC    *time.Time
}

// identRx accepts bare or schema-qualified SQL identifiers only; table
// names reach SQL by interpolation so anything else must be rejected here
var identRx = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// never fails on a registered func name; ignore the error by contract
	_ = v.RegisterValidation("wq_ident", func(fl validator.FieldLevel) bool {
		return identRx.MatchString(fl.Field().String())
	})
	return v
}
