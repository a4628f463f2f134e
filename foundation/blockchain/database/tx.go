package database

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"

	"github.com/ferrumchain/ferrum/foundation/blockchain/signature"
	"github.com/ferrumchain/ferrum/foundation/blockchain/wire"
)

// OutPoint references a single output of a prior transaction.
type OutPoint struct {
	TxHash chainhash.Hash
	Index  uint32
}

// String renders the outpoint as txhash:index.
func (op OutPoint) String() string {
	return fmt.Sprintf("%s:%d", op.TxHash, op.Index)
}

// MarshalInto implements wire.Marshaler.
func (op OutPoint) MarshalInto(w *wire.Writer) {
	w.Fixed(op.TxHash[:])
	w.Uint32(op.Index)
}

// UnmarshalFrom implements wire.Unmarshaler.
func (op *OutPoint) UnmarshalFrom(r *wire.Reader) error {
	if err := r.Fixed(op.TxHash[:]); err != nil {
		return err
	}

	index, err := r.Uint32()
	if err != nil {
		return err
	}
	op.Index = index

	return nil
}

// =============================================================================

// TxInput spends a prior output. The signature covers the digest of the
// enclosing transaction in its to-be-signed form.
type TxInput struct {
	Previous  OutPoint
	Signature signature.Signature
}

// MarshalInto implements wire.Marshaler.
func (in TxInput) MarshalInto(w *wire.Writer) {
	in.Previous.MarshalInto(w)
	w.Fixed(in.Signature[:])
}

// UnmarshalFrom implements wire.Unmarshaler.
func (in *TxInput) UnmarshalFrom(r *wire.Reader) error {
	if err := in.Previous.UnmarshalFrom(r); err != nil {
		return err
	}

	return r.Fixed(in.Signature[:])
}

// =============================================================================

// TxOutput grants value to the holder of the recipient key. The unique id
// keeps the hash of otherwise identical transactions distinct, which matters
// for coinbase transactions that have no inputs at all.
type TxOutput struct {
	Value     uint64
	UniqueID  uuid.UUID
	Recipient signature.PublicKey
}

// MarshalInto implements wire.Marshaler.
func (out TxOutput) MarshalInto(w *wire.Writer) {
	w.Uint64(out.Value)
	w.Fixed(out.UniqueID[:])
	w.Fixed(out.Recipient[:])
}

// UnmarshalFrom implements wire.Unmarshaler.
func (out *TxOutput) UnmarshalFrom(r *wire.Reader) error {
	value, err := r.Uint64()
	if err != nil {
		return err
	}
	out.Value = value

	if err := r.Fixed(out.UniqueID[:]); err != nil {
		return err
	}

	return r.Fixed(out.Recipient[:])
}

// =============================================================================

// Tx is an ordered list of inputs and outputs. A coinbase transaction has
// zero inputs and exactly one output.
type Tx struct {
	Inputs  []TxInput
	Outputs []TxOutput
}

// NewCoinbaseTx constructs the coinbase transaction paying the block
// subsidy plus fees to the specified key.
func NewCoinbaseTx(recipient signature.PublicKey, value uint64) Tx {
	return Tx{
		Outputs: []TxOutput{
			{Value: value, UniqueID: uuid.New(), Recipient: recipient},
		},
	}
}

// IsCoinbase reports whether this transaction creates new supply.
func (tx Tx) IsCoinbase() bool {
	return len(tx.Inputs) == 0
}

// MarshalInto implements wire.Marshaler.
func (tx Tx) MarshalInto(w *wire.Writer) {
	w.Count(len(tx.Inputs))
	for _, in := range tx.Inputs {
		in.MarshalInto(w)
	}

	w.Count(len(tx.Outputs))
	for _, out := range tx.Outputs {
		out.MarshalInto(w)
	}
}

// UnmarshalFrom implements wire.Unmarshaler.
func (tx *Tx) UnmarshalFrom(r *wire.Reader) error {
	nin, err := r.Count(chainhash.HashSize + 4 + signature.SignatureLength)
	if err != nil {
		return err
	}
	tx.Inputs = nil
	if nin > 0 {
		tx.Inputs = make([]TxInput, nin)
	}
	for i := range tx.Inputs {
		if err := tx.Inputs[i].UnmarshalFrom(r); err != nil {
			return err
		}
	}

	nout, err := r.Count(8 + 16 + signature.PublicKeyLength)
	if err != nil {
		return err
	}
	tx.Outputs = make([]TxOutput, nout)
	for i := range tx.Outputs {
		if err := tx.Outputs[i].UnmarshalFrom(r); err != nil {
			return err
		}
	}

	return nil
}

// Hash is the SHA-256 of the canonical serialization.
func (tx Tx) Hash() chainhash.Hash {
	return chainhash.HashH(wire.Encode(tx))
}

// SigDigest returns the digest each input signs: the transaction with every
// input signature zeroed, concatenated with all outputs.
func (tx Tx) SigDigest() chainhash.Hash {
	var w wire.Writer

	w.Count(len(tx.Inputs))
	for _, in := range tx.Inputs {
		in.Previous.MarshalInto(&w)
		var zero signature.Signature
		w.Fixed(zero[:])
	}

	w.Count(len(tx.Outputs))
	for _, out := range tx.Outputs {
		out.MarshalInto(&w)
	}

	return chainhash.HashH(w.Bytes())
}

// SignInputs signs every input of the transaction with the specified key.
// The caller owns each of the outputs being spent.
func (tx *Tx) SignInputs(prv signature.PrivateKey) error {
	digest := tx.SigDigest()

	for i := range tx.Inputs {
		sig, err := prv.Sign(digest)
		if err != nil {
			return err
		}
		tx.Inputs[i].Signature = sig
	}

	return nil
}

// OutputValue sums the value of all outputs.
func (tx Tx) OutputValue() uint64 {
	var total uint64
	for _, out := range tx.Outputs {
		total += out.Value
	}
	return total
}

// Size returns the canonical serialized size in bytes.
func (tx Tx) Size() int {
	return len(wire.Encode(tx))
}

// ValidateStructure checks the invariants that hold without chain context:
// at least one output, a coinbase carries exactly one output, no input
// is claimed twice, and the output values sum without overflow.
func (tx Tx) ValidateStructure() error {
	if len(tx.Outputs) == 0 {
		return fmt.Errorf("%w: transaction has no outputs", ErrStructuralInvalid)
	}

	if tx.IsCoinbase() && len(tx.Outputs) != 1 {
		return fmt.Errorf("%w: coinbase must have exactly one output, got %d", ErrStructuralInvalid, len(tx.Outputs))
	}

	seen := make(map[OutPoint]struct{}, len(tx.Inputs))
	for _, in := range tx.Inputs {
		if _, dup := seen[in.Previous]; dup {
			return fmt.Errorf("%w: input %s claimed twice", ErrDoubleSpend, in.Previous)
		}
		seen[in.Previous] = struct{}{}
	}

	var total uint64
	for _, out := range tx.Outputs {
		next := total + out.Value
		if next < total {
			return fmt.Errorf("%w: output value overflows", ErrStructuralInvalid)
		}
		total = next
	}

	return nil
}
