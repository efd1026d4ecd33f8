package modman

import (
	"io"
	"time"

	"modman/internal/modpack"
)

// BackupEntry is the pre-install state of one destination path.
type BackupEntry struct {
	Path    string // destination relative, slash separated
	IsDir   bool
	Existed bool
	BlobID  string // original bytes, set when Existed and !IsDir
	Mode    uint32
}

// BackupRecord is everything needed to undo one package installation at one
// location. A package is applied at a location exactly when its record
// exists in the location's state store.
type BackupRecord struct {
	ID          string
	Package     modpack.Identity
	Seq         int64 // install order, assigned on commit
	InstalledAt time.Time
	Entries     []BackupEntry
}

// Entry returns the entry for path.
func (r *BackupRecord) Entry(path string) (int, bool) {
	for i := range r.Entries {
		if r.Entries[i].Path == path {
			return i, true
		}
	}
	return -1, false
}

// BlobIDs returns the distinct blob ids referenced by the record.
func (r *BackupRecord) BlobIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, e := range r.Entries {
		if e.BlobID != "" && !seen[e.BlobID] {
			seen[e.BlobID] = true
			ids = append(ids, e.BlobID)
		}
	}
	return ids
}

// Transfer hands a backup entry of a package being uninstalled to a later
// package that still owns the path.
type Transfer struct {
	RecordID string
	Entry    BackupEntry
}

// Operation is one journaled engine task.
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// StateStore persists the applied packages of one location together with
// their backup records. Every method that changes state is atomic.
type StateStore interface {
	// ListRecords returns all records ordered by install sequence.
	ListRecords() ([]*BackupRecord, error)

	// FindRecord returns the record for a package hash, or nil.
	FindRecord(hash uint64) (*BackupRecord, error)

	// CommitInstall stores rec and all its entries, assigning the next
	// install sequence number.
	CommitInstall(rec *BackupRecord) error

	// CommitUninstall deletes the record with recordID and applies transfers
	// in the same transaction.
	CommitUninstall(recordID string, transfers []Transfer) error

	// BlobReferenced reports whether any record still references blobID.
	BlobReferenced(blobID string) (bool, error)

	// SetMeta and GetMeta hold small per-location values such as the uuid of
	// the batch last applied. GetMeta returns "" for unknown keys.
	SetMeta(key, value string) error
	GetMeta(key string) (string, error)

	// Operation journal.
	CreateOperation(operation, parameters string, startedAt time.Time) (int64, error)
	FinishOperation(id int64, status string, finishedAt time.Time) error
	ListOperations(limit int) ([]*Operation, error)

	Close() error
}

// BlobStore keeps the original bytes of overwritten files, addressed by
// content.
type BlobStore interface {
	// Put stores the content of r and returns its id. Storing the same
	// content twice is safe and returns the same id.
	Put(r io.Reader) (string, error)

	// Get writes the content stored under id to w.
	Get(id string, w io.Writer) error

	// Remove deletes id. Removing a missing id is not an error.
	Remove(id string) error

	// List returns the ids of all stored blobs.
	List() ([]string, error)
}

// Meta keys.
const (
	MetaCurrentBatch = "current_batch"
)
