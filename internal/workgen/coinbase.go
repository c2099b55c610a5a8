package workgen

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// AssembleCoinbaseTx rebuilds the coinbase transaction a miner actually
// signed for a specific share: job.CoinbasePrefixHex || extraNonce1Hex ||
// extraNonce2Hex || job.CoinbaseSuffixHex, deserialized back into a
// wire.MsgTx. This is the transaction bitcoin.ReconstructBlock/ValidateShare
// /IsBlockCandidate expect as their coinbaseTx argument. The generator's
// own CreateCoinbaseTransaction call used an empty placeholder extranonce1,
// since the coinbase always reserves a fixed 8-byte extranonce slot and the
// coinb1/coinb2 split point does not depend on extranonce1.
func AssembleCoinbaseTx(job *Job, extraNonce1Hex, extraNonce2Hex string) (*wire.MsgTx, error) {
	raw := job.CoinbasePrefixHex + extraNonce1Hex + extraNonce2Hex + job.CoinbaseSuffixHex
	txBytes, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode assembled coinbase: %w", err)
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
		return nil, fmt.Errorf("deserialize assembled coinbase: %w", err)
	}
	return tx, nil
}
