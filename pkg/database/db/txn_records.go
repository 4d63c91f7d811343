package db

import (
	"context"
	"database/sql"
	"fmt"
)

// TxnRecord is a row of the txn_records table.
type TxnRecord struct {
	ID                   string
	ChainID              int64
	Origin               string
	FromAddress          string
	ToAddress            string
	Nonce                sql.NullInt64
	Value                string
	Data                 []byte
	GasLimit             int64
	GasPrice             sql.NullString
	MaxFeePerGas         sql.NullString
	MaxPriorityFeePerGas sql.NullString
	Status               string
	Hash                 sql.NullString
	RawSignedTxn         []byte
	Receipt              []byte
	RetryCount           int64
	FirstRetryBlock      sql.NullInt64
	ReplacedBy           sql.NullString
	FailureReason        sql.NullString
	Note                 sql.NullString
	Position             int64
	CreatedAt            int64
	SubmittedAt          sql.NullInt64
}

const upsertTxnRecord = `
INSERT INTO txn_records (
    id, chain_id, origin, from_address, to_address, nonce, value, data,
    gas_limit, gas_price, max_fee_per_gas, max_priority_fee_per_gas, status,
    hash, raw_signed_txn, receipt, retry_count, first_retry_block, replaced_by,
    failure_reason, note, position, created_at, submitted_at
) VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12, ?13, ?14, ?15, ?16, ?17, ?18, ?19, ?20, ?21, ?22, ?23, ?24)
ON CONFLICT (id) DO UPDATE SET
    nonce = excluded.nonce,
    gas_limit = excluded.gas_limit,
    gas_price = excluded.gas_price,
    max_fee_per_gas = excluded.max_fee_per_gas,
    max_priority_fee_per_gas = excluded.max_priority_fee_per_gas,
    status = excluded.status,
    hash = excluded.hash,
    raw_signed_txn = excluded.raw_signed_txn,
    receipt = excluded.receipt,
    retry_count = excluded.retry_count,
    first_retry_block = excluded.first_retry_block,
    replaced_by = excluded.replaced_by,
    failure_reason = excluded.failure_reason,
    note = excluded.note,
    submitted_at = excluded.submitted_at
`

// UpsertTxnRecord inserts the record or overwrites its mutable columns.
func (q *Queries) UpsertTxnRecord(ctx context.Context, arg TxnRecord) error {
	if _, err := q.db.ExecContext(ctx, upsertTxnRecord,
		arg.ID,
		arg.ChainID,
		arg.Origin,
		arg.FromAddress,
		arg.ToAddress,
		arg.Nonce,
		arg.Value,
		arg.Data,
		arg.GasLimit,
		arg.GasPrice,
		arg.MaxFeePerGas,
		arg.MaxPriorityFeePerGas,
		arg.Status,
		arg.Hash,
		arg.RawSignedTxn,
		arg.Receipt,
		arg.RetryCount,
		arg.FirstRetryBlock,
		arg.ReplacedBy,
		arg.FailureReason,
		arg.Note,
		arg.Position,
		arg.CreatedAt,
		arg.SubmittedAt,
	); err != nil {
		return fmt.Errorf("upsert txn record: %s", err)
	}
	return nil
}

const listTxnRecords = `
SELECT id, chain_id, origin, from_address, to_address, nonce, value, data,
       gas_limit, gas_price, max_fee_per_gas, max_priority_fee_per_gas, status,
       hash, raw_signed_txn, receipt, retry_count, first_retry_block, replaced_by,
       failure_reason, note, position, created_at, submitted_at
FROM txn_records
WHERE chain_id = ?1
ORDER BY position ASC
`

// ListTxnRecords returns every record for a chain in insertion order.
func (q *Queries) ListTxnRecords(ctx context.Context, chainID int64) ([]TxnRecord, error) {
	rows, err := q.db.QueryContext(ctx, listTxnRecords, chainID)
	if err != nil {
		return nil, fmt.Errorf("list txn records: %s", err)
	}
	defer func() { _ = rows.Close() }()

	var records []TxnRecord
	for rows.Next() {
		var r TxnRecord
		if err := rows.Scan(
			&r.ID,
			&r.ChainID,
			&r.Origin,
			&r.FromAddress,
			&r.ToAddress,
			&r.Nonce,
			&r.Value,
			&r.Data,
			&r.GasLimit,
			&r.GasPrice,
			&r.MaxFeePerGas,
			&r.MaxPriorityFeePerGas,
			&r.Status,
			&r.Hash,
			&r.RawSignedTxn,
			&r.Receipt,
			&r.RetryCount,
			&r.FirstRetryBlock,
			&r.ReplacedBy,
			&r.FailureReason,
			&r.Note,
			&r.Position,
			&r.CreatedAt,
			&r.SubmittedAt,
		); err != nil {
			return nil, fmt.Errorf("scan txn record: %s", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating txn records: %s", err)
	}
	return records, nil
}

const deleteTxnRecord = `DELETE FROM txn_records WHERE id = ?1`

// DeleteTxnRecord removes a record by id.
func (q *Queries) DeleteTxnRecord(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, deleteTxnRecord, id); err != nil {
		return fmt.Errorf("delete txn record: %s", err)
	}
	return nil
}
