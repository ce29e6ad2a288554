/*
Package storage persists integrity records.

The Store interface is the shared record store every node reads and writes.
Two implementations exist.

EtcdStore keeps the records in etcd so nodes on different hosts see each
other's state:

	<prefix>/states/<resource>            StateRecord (JSON)
	<prefix>/forward_progress/<resource>  ForwardProgress (JSON)
	<prefix>/resources/<resource>         Resource (JSON)

BoltStore keeps the same buckets in a single bbolt file. bbolt takes an
exclusive file lock, so only one process can open it; it serves a single
host (or several resources hosted by one process):

	<dataDir>/integrity.db

# Transactions

Each Update call runs one read-modify-write inside a single db.Update
transaction. The update function sees the current record (or a zero record
carrying only the resource name when exists is false) and mutates it in
place. Returning an error from the function rolls the transaction back and
the error is returned unchanged, so callers can still match their own
sentinel values.

bbolt serializes writers, which makes concurrent updates of the same record
safe without extra locking in callers. EtcdStore gets the same guarantee by
committing only if the record's mod revision is unchanged since it was read,
retrying a lost race with backoff; the update function may therefore run
more than once and must not have side effects beyond the record.

# Errors

Infrastructure failures are wrapped in types.StoreError and match
types.ErrStore. A missing record is reported with types.ErrNotFound and does
not match ErrStore.

# Usage

	store, err := storage.NewBoltStore("/var/lib/integrity")
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.UpdateState("pdp-1", func(rec *types.StateRecord, exists bool) error {
		if !exists {
			rec.State = types.DefaultState()
		}
		return nil
	})
*/
package storage
