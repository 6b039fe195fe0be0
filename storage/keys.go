package storage

import (
	"encoding/binary"

	"github.com/tari-project/tari-dan-sub001/types"
)

// Key space layout. Every table gets a short prefix; fixed-width big endian
// integers keep iteration order equal to numeric order.
const (
	prefixBlock         = "b/"
	prefixBlockHeight   = "bh/"
	prefixQC            = "q/"
	prefixTransaction   = "t/"
	prefixSubstate      = "s/"
	prefixSubstateHead  = "sh/"
	prefixSubstateLocks = "sl/"
	prefixLocksByTx     = "slt/"
	prefixPledge        = "fp/"
	prefixParkedBlock   = "pb/"
	prefixMissingTx     = "mt/"
	prefixAnchor        = "a/"
	prefixPool          = "p/"
)

// Anchor names.
const (
	anchorHighQC       = "high_qc"
	anchorLeafBlock    = "leaf"
	anchorLockedBlock  = "locked"
	anchorLastVoted    = "last_voted"
	anchorLastExecuted = "last_executed"
	anchorEpoch        = "epoch"
)

func blockKey(id types.BlockID) []byte {
	return append([]byte(prefixBlock), id.Bytes()...)
}

func blockHeightKey(height uint64) []byte {
	return append([]byte(prefixBlockHeight), uint64Bytes(height)...)
}

func qcKey(id types.QCID) []byte {
	return append([]byte(prefixQC), id.Bytes()...)
}

func transactionKey(id types.TxID) []byte {
	return append([]byte(prefixTransaction), id.Bytes()...)
}

// substateIdKey encodes a substate id with the 32 byte key first. The first
// four key bytes are the shard, so iterating a key range walks a shard
// range.
func substateIdKey(prefix string, id types.SubstateId) []byte {
	key := make([]byte, 0, len(prefix)+len(id.Key)+1)
	key = append(key, prefix...)
	key = append(key, id.Key...)
	key = append(key, byte(id.Type))
	return key
}

func substateKey(addr types.SubstateAddress) []byte {
	return append(substateIdKey(prefixSubstate, addr.Id), uint32Bytes(addr.Version)...)
}

func substateHeadKey(id types.SubstateId) []byte {
	return substateIdKey(prefixSubstateHead, id)
}

func substateLocksKey(id types.SubstateId) []byte {
	return substateIdKey(prefixSubstateLocks, id)
}

func locksByTxKey(txID types.TxID) []byte {
	return append([]byte(prefixLocksByTx), txID.Bytes()...)
}

func pledgeKey(blockID types.BlockID) []byte {
	return append([]byte(prefixPledge), blockID.Bytes()...)
}

func parkedBlockKey(blockID types.BlockID) []byte {
	return append([]byte(prefixParkedBlock), blockID.Bytes()...)
}

func missingTxKey(txID types.TxID, blockID types.BlockID) []byte {
	key := make([]byte, 0, len(prefixMissingTx)+64)
	key = append(key, prefixMissingTx...)
	key = append(key, txID.Bytes()...)
	key = append(key, blockID.Bytes()...)
	return key
}

func missingTxPrefix(txID types.TxID) []byte {
	return append([]byte(prefixMissingTx), txID.Bytes()...)
}

func anchorKey(name string) []byte {
	return append([]byte(prefixAnchor), name...)
}

// PoolKey exposes the transaction pool table to the pool package.
func PoolKey(txID types.TxID) []byte {
	return append([]byte(prefixPool), txID.Bytes()...)
}

// PoolPrefix is the iteration prefix for all pool records.
func PoolPrefix() []byte {
	return []byte(prefixPool)
}

// shardRange returns the [start, end) key range covering every substate
// whose shard falls inside sg.
func shardRange(prefix string, sg types.ShardGroup) (start, end []byte) {
	start = make([]byte, 0, len(prefix)+4)
	start = append(start, prefix...)
	start = append(start, uint32Bytes(uint32(sg.Start))...)

	end = make([]byte, 0, len(prefix)+5)
	end = append(end, prefix...)
	if sg.End == ^types.Shard(0) {
		// past every key with this prefix
		end = append(end, 0xff, 0xff, 0xff, 0xff, 0xff)
	} else {
		end = append(end, uint32Bytes(uint32(sg.End)+1)...)
	}
	return start, end
}

func uint64Bytes(v uint64) []byte {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, v)
	return bz
}

func uint32Bytes(v uint32) []byte {
	bz := make([]byte, 4)
	binary.BigEndian.PutUint32(bz, v)
	return bz
}

func bytesUint64(bz []byte) uint64 {
	return binary.BigEndian.Uint64(bz)
}
