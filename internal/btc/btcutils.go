package btc

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// P2WPKH weights in vbytes
const (
	txOverheadVSize = 11
	txInputVSize    = 68
	txOutputVSize   = 31
)

type utxo struct {
	outpoint wire.OutPoint
	amount   btcutil.Amount
}

func estimateVSize(inputs, outputs int) int64 {
	return int64(txOverheadVSize + inputs*txInputVSize + outputs*txOutputVSize)
}

func DeserializeTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to parse raw transaction: %v", err)
	}
	return tx, nil
}

func SerializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %v", err)
	}
	return buf.Bytes(), nil
}

func toUtxos(unspent []btcjson.ListUnspentResult) ([]utxo, btcutil.Amount, error) {
	out := make([]utxo, 0, len(unspent))
	var total btcutil.Amount
	for _, u := range unspent {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to parse utxo txid %s: %v", u.TxID, err)
		}
		amount, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid utxo amount %v: %v", u.Amount, err)
		}
		out = append(out, utxo{outpoint: *wire.NewOutPoint(hash, u.Vout), amount: amount})
		total += amount
	}
	return out, total, nil
}

func isSigned(in *wire.TxIn) bool {
	return len(in.SignatureScript) > 0 || len(in.Witness) > 0
}

func unsignedInputs(tx *wire.MsgTx) int {
	n := 0
	for _, in := range tx.TxIn {
		if !isSigned(in) {
			n++
		}
	}
	return n
}

// sameSpend reports whether a and b spend the same outpoints into the same outputs.
func sameSpend(a, b *wire.MsgTx) bool {
	if len(a.TxIn) != len(b.TxIn) || len(a.TxOut) != len(b.TxOut) {
		return false
	}
	for i := range a.TxIn {
		if a.TxIn[i].PreviousOutPoint != b.TxIn[i].PreviousOutPoint {
			return false
		}
	}
	for i := range a.TxOut {
		if a.TxOut[i].Value != b.TxOut[i].Value || !bytes.Equal(a.TxOut[i].PkScript, b.TxOut[i].PkScript) {
			return false
		}
	}
	return true
}
