package storage

import (
	"github.com/pkg/errors"

	"github.com/tari-project/tari-dan-sub001/types"
)

// SaveTransaction persists the full transaction record, overwriting any
// previous version. Records gain execution results and final decisions as
// they advance through the pipeline.
func (tx *Tx) SaveTransaction(record *types.TransactionRecord) error {
	return tx.setJSON(transactionKey(record.Transaction.ID()), record)
}

func (tx *Tx) GetTransaction(id types.TxID) (*types.TransactionRecord, error) {
	var record types.TransactionRecord
	if err := tx.getJSON(transactionKey(id), &record); err != nil {
		return nil, errors.Wrapf(err, "transaction %s", id)
	}
	return &record, nil
}

func (tx *Tx) HasTransaction(id types.TxID) (bool, error) {
	return tx.has(transactionKey(id))
}

// GetTransactions loads several records, failing on the first miss.
func (tx *Tx) GetTransactions(ids []types.TxID) ([]*types.TransactionRecord, error) {
	records := make([]*types.TransactionRecord, 0, len(ids))
	for _, id := range ids {
		record, err := tx.GetTransaction(id)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}
