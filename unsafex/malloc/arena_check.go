package malloc

import (
	"encoding/binary"
	"fmt"

	"github.com/bytedance/gopkg/util/xxhash3"

	"github.com/cloudwego/arenalloc/internal/arenalog"
)

// ArenaStats is a structural snapshot of the arena, the Go-idiomatic
// analogue of the source's debug heap dump: returned data instead of a
// printed report.
type ArenaStats struct {
	TotalBytes    int
	UsedBytes     int
	FreeBytes     int
	NumFreeBlocks int
	NumUsedBlocks int
	LargestFree   int
	BucketCounts  []int
}

// Stats walks the managed region once and tallies block occupancy.
func (a *Arena) Stats() ArenaStats {
	st := ArenaStats{
		TotalBytes:   a.epilogueOff + 2*a.wordSize - a.prologueBp,
		BucketCounts: make([]int, a.numClasses),
	}
	for bp := a.firstRealBp(); bp < a.epilogueOff; bp = a.nextBlockOff(bp) {
		size := a.blockSize(bp)
		if a.allocOf(bp) {
			st.UsedBytes += size
			st.NumUsedBlocks++
			continue
		}
		st.FreeBytes += size
		st.NumFreeBlocks++
		if size > st.LargestFree {
			st.LargestFree = size
		}
		st.BucketCounts[a.bucketFor(size)]++
	}
	return st
}

// CheckInvariants walks the managed region from the prologue to the
// epilogue and verifies I1-I7, then cross-checks every free-list bucket
// against the blocks the walk found free (P3/P4). It is O(n) in the
// number of resident blocks; callers on a hot path should not call this
// per-operation -- it exists for tests and debug tooling, mirroring the
// source's compile-time-toggled heap checker.
func (a *Arena) CheckInvariants() error {
	if !a.allocOf(a.prologueBp) {
		return fmt.Errorf("arenalloc: prologue is not allocated")
	}

	seenFree := make(map[int]bool)
	prevWasFree := false
	bp := a.firstRealBp()
	for bp < a.epilogueOff {
		header := a.readWord(a.headerOff(bp))
		size := sizeOfTag(header)
		if size < a.minBlock {
			return fmt.Errorf("arenalloc: block at %d smaller than minimum (%d < %d)", bp, size, a.minBlock)
		}
		footer := a.readWord(a.footerOff(bp, size))
		if header != footer {
			return fmt.Errorf("arenalloc: header/footer mismatch at %d: %x != %x", bp, header, footer)
		}

		free := !allocOfTag(header)
		if free {
			if prevWasFree {
				return fmt.Errorf("arenalloc: two adjacent free blocks at %d", bp)
			}
			seenFree[bp] = true
		}
		prevWasFree = free
		bp = a.nextBlockOff(bp)
	}
	// epilogueOff is the epilogue's header; the walk yields payload addresses.
	if end := a.epilogueOff + 2*a.wordSize; bp != end {
		return fmt.Errorf("arenalloc: block walk overshot epilogue: ended at %d, epilogue at %d", bp, end)
	}
	epilogueTag := a.readWord(a.epilogueOff)
	if sizeOfTag(epilogueTag) != 0 || !allocOfTag(epilogueTag) {
		return fmt.Errorf("arenalloc: corrupted epilogue at %d", a.epilogueOff)
	}

	for b := 0; b < a.numClasses; b++ {
		head := a.bucketHead(b)
		if head == 0 {
			continue
		}
		cur := head
		for {
			if !seenFree[cur] {
				return fmt.Errorf("arenalloc: bucket %d references block %d absent from the heap walk", b, cur)
			}
			delete(seenFree, cur)
			want := a.bucketFor(a.blockSize(cur))
			if want != b {
				return fmt.Errorf("arenalloc: block %d in bucket %d, wants bucket %d", cur, b, want)
			}
			next := a.readNext(cur)
			if next == head {
				break
			}
			cur = next
		}
	}
	if len(seenFree) != 0 {
		return fmt.Errorf("arenalloc: %d free block(s) found by heap walk but absent from any bucket", len(seenFree))
	}
	return nil
}

// Audit runs CheckInvariants and, on failure, reports it through lg
// instead of returning the error silently. Intended for long-running
// debug or test harnesses that want violations surfaced as they happen
// rather than threaded back through every call site.
func (a *Arena) Audit(lg *arenalog.Logger) error {
	if err := a.CheckInvariants(); err != nil {
		lg.Violation(err)
		return err
	}
	return nil
}

// Checksum returns an xxhash3 fingerprint of the free-list chain (bucket
// heads and the node order within every bucket). Two checksums taken
// before and after a sequence of operations that should be a no-op on
// free-space layout (e.g. alloc immediately followed by free) can be
// compared cheaply without re-walking the whole heap in CheckInvariants.
func (a *Arena) Checksum() uint64 {
	buf := make([]byte, 0, 8*(a.numClasses+8))
	for b := 0; b < a.numClasses; b++ {
		head := a.bucketHead(b)
		buf = appendUint64(buf, uint64(head))
		if head == 0 {
			continue
		}
		cur := a.readNext(head)
		for cur != head {
			buf = appendUint64(buf, uint64(cur))
			cur = a.readNext(cur)
		}
	}
	return xxhash3.Hash(buf)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
