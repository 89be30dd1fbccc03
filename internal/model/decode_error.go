package model

// DecodeError is the JSONL line written for a log that could not be decoded.
type DecodeError struct {
	ChainID     uint64 `json:"chain_id"`
	BlockNumber uint64 `json:"block_number"`
	BlockHash   string `json:"block_hash,omitempty"`
	TxHash      string `json:"tx_hash"`
	LogIndex    uint64 `json:"log_index"`
	Address     string `json:"address"`
	Topic0      string `json:"topic0"`
	Error       string `json:"error"`
}

// NewDecodeError describes why record failed to decode.
func NewDecodeError(record LogRecord, err error) DecodeError {
	out := DecodeError{
		ChainID:     record.ChainID,
		BlockNumber: record.BlockNumber,
		BlockHash:   record.BlockHash,
		TxHash:      record.TxHash,
		LogIndex:    record.LogIndex,
		Address:     record.Address,
		Error:       err.Error(),
	}
	if len(record.Topics) > 0 {
		out.Topic0 = record.Topics[0]
	}
	return out
}
