package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

const (
	pendingBucketName  = "pending"
	exportedBucketName = "exported"
	runsBucketName     = "runs"
)

// Ledger remembers accepted records until they are exported, and the report
// of every run
type Ledger interface {
	// SavePending stores accepted records awaiting export
	SavePending(records []*invoice.ValidatedRecord) error

	// PendingRecords returns records awaiting export, oldest run first
	PendingRecords() ([]*invoice.ValidatedRecord, error)

	// MarkExported moves records from pending to exported
	MarkExported(receipt *invoice.ExportReceipt, recordIDs []string) error

	// IsExported reports whether a record was already exported
	IsExported(recordID string) (bool, error)

	// SaveRun stores a run report
	SaveRun(report *RunReport) error

	// GetRun retrieves a run report by id
	GetRun(id string) (*RunReport, error)

	// ListRuns returns every run report, newest first
	ListRuns() ([]*RunReport, error)

	// Close closes the ledger
	Close() error
}

// pendingEntry keeps the insertion order of pending records
type pendingEntry struct {
	Seq    uint64                   `json:"seq"`
	Record *invoice.ValidatedRecord `json:"record"`
}

// BoltLedger implements Ledger using BoltDB
type BoltLedger struct {
	db *bbolt.DB
}

// NewBoltLedger opens or creates the ledger file at path
func NewBoltLedger(path string) (*BoltLedger, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{pendingBucketName, exportedBucketName, runsBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltLedger{db: db}, nil
}

// SavePending stores records in the pending bucket. Records already exported
// are ignored.
func (b *BoltLedger) SavePending(records []*invoice.ValidatedRecord) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		pending := tx.Bucket([]byte(pendingBucketName))
		exported := tx.Bucket([]byte(exportedBucketName))
		for _, rec := range records {
			if rec.Status != invoice.StatusAccepted {
				return fmt.Errorf("record %s has status %s, only accepted records can be pending", rec.ID, rec.Status)
			}
			if exported.Get([]byte(rec.ID)) != nil {
				continue
			}
			seq, err := pending.NextSequence()
			if err != nil {
				return err
			}
			data, err := json.Marshal(pendingEntry{Seq: seq, Record: rec})
			if err != nil {
				return fmt.Errorf("marshaling record: %w", err)
			}
			if err := pending.Put([]byte(rec.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// PendingRecords returns pending records in the order they were saved
func (b *BoltLedger) PendingRecords() ([]*invoice.ValidatedRecord, error) {
	entries := make([]pendingEntry, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(pendingBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var entry pendingEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("unmarshaling record: %w", err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	records := make([]*invoice.ValidatedRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, e.Record)
	}
	return records, nil
}

// MarkExported records the receipt under every id and drops the ids from
// pending in a single transaction
func (b *BoltLedger) MarkExported(receipt *invoice.ExportReceipt, recordIDs []string) error {
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("marshaling receipt: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		pending := tx.Bucket([]byte(pendingBucketName))
		exported := tx.Bucket([]byte(exportedBucketName))
		for _, id := range recordIDs {
			if err := exported.Put([]byte(id), data); err != nil {
				return err
			}
			if err := pending.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// IsExported reports whether recordID has an export receipt
func (b *BoltLedger) IsExported(recordID string) (bool, error) {
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket([]byte(exportedBucketName)).Get([]byte(recordID)) != nil
		return nil
	})
	return found, err
}

// SaveRun saves a run report
func (b *BoltLedger) SaveRun(report *RunReport) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(runsBucketName))
		data, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("marshaling run: %w", err)
		}
		return bucket.Put([]byte(report.RunID), data)
	})
}

// GetRun retrieves a run report by id
func (b *BoltLedger) GetRun(id string) (*RunReport, error) {
	var report *RunReport
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(runsBucketName))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("run %s: %w", id, invoice.ErrNotFound)
		}
		return json.Unmarshal(data, &report)
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// ListRuns returns all run reports, newest first
func (b *BoltLedger) ListRuns() ([]*RunReport, error) {
	reports := make([]*RunReport, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(runsBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var report RunReport
			if err := json.Unmarshal(v, &report); err != nil {
				return fmt.Errorf("unmarshaling run: %w", err)
			}
			reports = append(reports, &report)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(reports, func(i, j int) bool { return reports[i].StartedAt.After(reports[j].StartedAt) })
	return reports, nil
}

// Close closes the database
func (b *BoltLedger) Close() error {
	return b.db.Close()
}
