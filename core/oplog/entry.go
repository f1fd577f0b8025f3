// Package oplog defines the canonical representation of one durable
// operation-log record and the append/slot-reservation contract every log
// implementation satisfies. Entry field names are stable: replicas and
// tooling parse them byte-for-byte.
package oplog

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Timestamp is the logical position of an entry in the log. It is assigned
// at slot-reservation time and is strictly increasing within a node's
// lifetime. Zero is never a valid position.
type Timestamp uint64

// OpTime identifies one entry: its timestamp plus the term it was written
// under. The zero OpTime is the null optime, used as the predecessor of the
// first entry in a transaction chain.
type OpTime struct {
	Timestamp Timestamp `json:"ts"`
	Term      int64     `json:"t"`
}

// IsNull reports whether o is the null optime.
func (o OpTime) IsNull() bool {
	return o == OpTime{}
}

// Before reports whether o was assigned before other.
func (o OpTime) Before(other OpTime) bool {
	if o.Term != other.Term {
		return o.Term < other.Term
	}
	return o.Timestamp < other.Timestamp
}

func (o OpTime) String() string {
	return fmt.Sprintf("{ts: %d, t: %d}", o.Timestamp, o.Term)
}

// Document is a schemaless payload: an inserted document, an update
// modifier, a delete key, or a command document.
type Document map[string]interface{}

// OpType is the kind of mutation an entry describes.
type OpType string

const (
	OpTypeInsert  OpType = "i"
	OpTypeUpdate  OpType = "u"
	OpTypeDelete  OpType = "d"
	OpTypeCommand OpType = "c"
)

// Command names carried in the o field of command-shaped entries.
const (
	CmdApplyOps           = "applyOps"
	CmdPrepareTransaction = "prepareTransaction"
	CmdCommitTransaction  = "commitTransaction"
	CmdAbortTransaction   = "abortTransaction"
	CmdCollMod            = "collMod"
	CmdDrop               = "drop"
	CmdRenameCollection   = "renameCollection"
	CmdStartIndexBuild    = "startIndexBuild"
	CmdCommitIndexBuild   = "commitIndexBuild"
	CmdAbortIndexBuild    = "abortIndexBuild"
)

// MaxEntrySize is the default cap on one serialized entry. A packed
// transaction whose applyOps entry would exceed it is rejected whole.
const MaxEntrySize = 16 * 1024 * 1024

// Namespace names a collection as "<db>.<coll>".
type Namespace struct {
	DB   string
	Coll string
}

// ParseNamespace splits "db.coll" on the first dot.
func ParseNamespace(s string) Namespace {
	i := strings.Index(s, ".")
	if i < 0 {
		return Namespace{DB: s}
	}
	return Namespace{DB: s[:i], Coll: s[i+1:]}
}

func (ns Namespace) String() string {
	return ns.DB + "." + ns.Coll
}

// CommandNamespace returns the pseudo-collection commands against this
// namespace's database are logged under.
func (ns Namespace) CommandNamespace() Namespace {
	return Namespace{DB: ns.DB, Coll: "$cmd"}
}

// AdminCommandNamespace is where transaction control entries live.
var AdminCommandNamespace = Namespace{DB: "admin", Coll: "$cmd"}

// Entry is one durable log record. Optional fields are pointers or
// omitempty so that an absent field is absent on the wire, not zero-valued.
type Entry struct {
	OpType      OpType     `json:"op"`
	Namespace   string     `json:"ns"`
	UI          *uuid.UUID `json:"ui,omitempty"`
	Object      Document   `json:"o"`
	Object2     Document   `json:"o2,omitempty"`
	SessionID   *uuid.UUID `json:"lsid,omitempty"`
	TxnNumber   *int64     `json:"txnNumber,omitempty"`
	StmtID      *int32     `json:"stmtId,omitempty"`
	PrevOpTime  *OpTime    `json:"prevOpTime,omitempty"`
	Prepare     *bool      `json:"prepare,omitempty"`
	InTxn       bool       `json:"inTxn,omitempty"`
	FromMigrate bool       `json:"fromMigrate,omitempty"`
	Timestamp   Timestamp  `json:"ts"`
	Term        int64      `json:"t"`
}

// OpTime returns the entry's assigned log position.
func (e *Entry) OpTime() OpTime {
	return OpTime{Timestamp: e.Timestamp, Term: e.Term}
}

// IsCommand reports whether the entry is command-shaped.
func (e *Entry) IsCommand() bool {
	return e.OpType == OpTypeCommand
}

// IsCRUD reports whether the entry describes a document mutation.
func (e *Entry) IsCRUD() bool {
	switch e.OpType {
	case OpTypeInsert, OpTypeUpdate, OpTypeDelete:
		return true
	}
	return false
}

// CommandName returns the name of the command an entry carries, or "" for
// CRUD entries.
func (e *Entry) CommandName() string {
	if !e.IsCommand() {
		return ""
	}
	for _, name := range []string{
		CmdApplyOps, CmdPrepareTransaction, CmdCommitTransaction,
		CmdAbortTransaction, CmdCollMod, CmdDrop, CmdRenameCollection,
		CmdStartIndexBuild, CmdCommitIndexBuild, CmdAbortIndexBuild,
	} {
		if _, ok := e.Object[name]; ok {
			return name
		}
	}
	return ""
}

// Validate checks the structural invariants every entry must satisfy before
// it may be appended.
func (e *Entry) Validate() error {
	switch e.OpType {
	case OpTypeInsert, OpTypeUpdate, OpTypeDelete, OpTypeCommand:
	default:
		return fmt.Errorf("%w: op %q", ErrInvalidEntry, e.OpType)
	}
	if e.Namespace == "" {
		return fmt.Errorf("%w: empty ns", ErrInvalidEntry)
	}
	if e.Object == nil {
		return fmt.Errorf("%w: missing o", ErrInvalidEntry)
	}
	if (e.SessionID == nil) != (e.TxnNumber == nil) {
		return fmt.Errorf("%w: lsid and txnNumber must be set together", ErrInvalidEntry)
	}
	if e.Prepare != nil && e.OpType != OpTypeCommand {
		return fmt.Errorf("%w: prepare on non-command entry", ErrInvalidEntry)
	}
	return nil
}

// Encode serializes the entry to its durable representation.
func (e *Entry) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entry at %s: %w", e.OpTime(), err)
	}
	return data, nil
}

// DecodeEntry parses one serialized entry.
func DecodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode entry: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// EncodedSize returns the serialized size of the entry in bytes without
// retaining the encoding.
func (e *Entry) EncodedSize() (int, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("failed to size entry: %w", err)
	}
	return len(data), nil
}
