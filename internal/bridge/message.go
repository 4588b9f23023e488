package bridge

import (
	"encoding/binary"
	"fmt"

	"lukechampine.com/blake3"
)

// DepositMessageSize is the fixed length of a canonical deposit message.
const DepositMessageSize = 32 + 8 + 8

// DepositMessage identifies a lock on the source chain. Its canonical
// encoding is what validators sign.
type DepositMessage struct {
	SrcTxHash   [32]byte
	Amount      uint64
	BlockHeight uint64
}

// Encode returns the canonical 48-byte message:
// src_tx_hash ‖ amount u64 LE ‖ block_height u64 LE.
func (m *DepositMessage) Encode() []byte {
	buf := make([]byte, DepositMessageSize)
	copy(buf[:32], m.SrcTxHash[:])
	binary.LittleEndian.PutUint64(buf[32:40], m.Amount)
	binary.LittleEndian.PutUint64(buf[40:48], m.BlockHeight)
	return buf
}

// PauseMessage is the domain-separated payload validators sign to pause the
// bridge at the given unix timestamp.
func PauseMessage(ts int64) []byte {
	return []byte(fmt.Sprintf("EMERGENCY_PAUSE_%d", ts))
}

// UnpauseMessage is the payload validators sign to lift a pause.
func UnpauseMessage(ts int64) []byte {
	return []byte(fmt.Sprintf("UNPAUSE_%d", ts))
}

// ConfigHash returns a stable BLAKE3 hash of a proposed parameter change.
// Validators sign this hash when authorizing update_config.
func ConfigHash(p Params) [32]byte {
	buf := make([]byte, 0, 64+len(p.Validators)*32)
	for _, v := range p.Validators {
		buf = append(buf, v...)
	}
	var scalars [40]byte
	binary.LittleEndian.PutUint64(scalars[0:8], uint64(p.Threshold))
	binary.LittleEndian.PutUint64(scalars[8:16], p.FeeBps)
	binary.LittleEndian.PutUint64(scalars[16:24], p.DailyLimit)
	binary.LittleEndian.PutUint64(scalars[24:32], uint64(p.EmergencyDelay.Seconds()))
	binary.LittleEndian.PutUint64(scalars[32:40], uint64(p.Decimals))
	buf = append(buf, scalars[:]...)
	return blake3.Sum256(buf)
}
