// Package recovery implements the RecoveryManager: a periodic integrity
// scan and a faster quick-health scan that together detect and, where
// safe, auto-fix the inconsistency classes named in spec.md §4.4.
// Grounded on internal/app/services/gasbank/settlement.go's
// SettlementPoller — a dual-purpose ticker loop with per-item resolution —
// generalized from one watched collection (pending withdrawals) to the
// several independent scan passes the issue taxonomy requires.
package recovery

// Severity classifies how urgently an issue needs a human.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Category names one of the inconsistency classes spec.md §4.4 defines.
type Category string

const (
	CategoryBalanceMismatch     Category = "BALANCE_MISMATCH"
	CategoryMissingRelation     Category = "MISSING_RELATION"
	CategoryOrphanedRecord      Category = "ORPHANED_RECORD"
	CategoryStatusInconsistency Category = "STATUS_INCONSISTENCY"
	CategoryDuplicateAddress    Category = "DUPLICATE_ADDRESS"
)

// SubjectType names the entity kind an Issue's Subject identifies, so the
// auto-fix protocol targets the right table instead of guessing from the
// detail text.
type SubjectType string

const (
	SubjectMixRequest        SubjectType = "mix_request"
	SubjectWallet            SubjectType = "wallet"
	SubjectDepositAddress    SubjectType = "deposit_address"
	SubjectOutputTransaction SubjectType = "output_transaction"
	SubjectAddress           SubjectType = "address" // a duplicated address value, not a row ID
)

// Issue is one detected inconsistency.
type Issue struct {
	Category    Category
	Severity    Severity
	Subject     string // entity ID (or address value) the issue concerns
	SubjectType SubjectType
	Detail      string
	AutoFixed   bool
}
