package types

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Shard is a point in the substate id space. A substate id maps to exactly
// one shard for the lifetime of the network; committees divide the shard
// space between them per epoch.
type Shard uint32

// ShardGroup is a contiguous, inclusive range of shards owned by one
// committee for an epoch.
type ShardGroup struct {
	Start Shard `json:"start"`
	End   Shard `json:"end"`
}

func NewShardGroup(start, end Shard) ShardGroup {
	if end < start {
		start, end = end, start
	}
	return ShardGroup{Start: start, End: end}
}

// FullShardGroup covers the entire shard space, i.e. a single-committee
// network.
func FullShardGroup() ShardGroup {
	return ShardGroup{Start: 0, End: Shard(^uint32(0))}
}

func (sg ShardGroup) Contains(s Shard) bool {
	return s >= sg.Start && s <= sg.End
}

func (sg ShardGroup) ContainsID(id SubstateId) bool {
	return sg.Contains(id.ToShard())
}

func (sg ShardGroup) Equal(other ShardGroup) bool {
	return sg.Start == other.Start && sg.End == other.End
}

func (sg ShardGroup) String() string {
	return fmt.Sprintf("shards(%d..%d)", sg.Start, sg.End)
}

// MarshalText lets a ShardGroup act as a map key in persisted records.
func (sg ShardGroup) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%d-%d", sg.Start, sg.End)), nil
}

func (sg *ShardGroup) UnmarshalText(text []byte) error {
	parts := strings.SplitN(string(text), "-", 2)
	if len(parts) != 2 {
		return fmt.Errorf("malformed shard group %q", text)
	}
	start, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return err
	}
	end, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return err
	}
	sg.Start = Shard(start)
	sg.End = Shard(end)
	return nil
}

// SplitShardSpace divides the full shard space into n contiguous groups of
// (near) equal width, ordered by start shard.
func SplitShardSpace(n int) []ShardGroup {
	if n <= 1 {
		return []ShardGroup{FullShardGroup()}
	}
	width := uint64(1) << 32 / uint64(n)
	groups := make([]ShardGroup, 0, n)
	var start uint64
	for i := 0; i < n; i++ {
		end := start + width - 1
		if i == n-1 {
			end = uint64(^uint32(0))
		}
		groups = append(groups, ShardGroup{Start: Shard(start), End: Shard(end)})
		start = end + 1
	}
	return groups
}

// ToShard maps a substate id into the shard space using the first four
// bytes of its key. The mapping must agree across all committees.
func (id SubstateId) ToShard() Shard {
	if len(id.Key) < 4 {
		return 0
	}
	return Shard(binary.BigEndian.Uint32(id.Key[:4]))
}
