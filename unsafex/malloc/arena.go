package malloc

import (
	"errors"
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
)

const (
	// DefaultNumClasses is the number of segregated free-list buckets.
	DefaultNumClasses = 16

	// DefaultChunkSize is the minimum number of bytes requested from the
	// Extender whenever the arena must grow (CHUNKSIZE).
	DefaultChunkSize = 2048

	// defaultGrowthNum/defaultGrowthDen express the 4/3 reallocation
	// overcommit factor as a fraction to keep the arithmetic integral.
	defaultGrowthNum = 4
	defaultGrowthDen = 3
)

var (
	// ErrArenaExhausted is returned when the backing Extender refuses to
	// grow the managed region any further.
	ErrArenaExhausted = errors.New("arenalloc: arena exhausted")

	// ErrInvalidBlock is the value Free panics with when a caller passes a
	// slice that was not produced by this Arena, or already freed.
	ErrInvalidBlock = errors.New("arenalloc: invalid or double-freed block")
)

// Extender grows the managed region by n bytes and returns the byte offset
// (relative to the Arena's backing store) of the first newly-added byte.
// It must never shrink the region, and successive calls must return
// offsets contiguous with bytes handed out by earlier calls.
type Extender func(n int) (int, error)

// Option configures an Arena at construction time.
type Option func(*Arena)

// WithChunkSize overrides CHUNKSIZE, the minimum growth requested from the
// Extender on exhaustion.
func WithChunkSize(n int) Option {
	return func(a *Arena) { a.chunkSize = n }
}

// WithNumClasses overrides the number of segregated free-list buckets.
func WithNumClasses(n int) Option {
	return func(a *Arena) { a.numClasses = n }
}

// WithGrowthFactor overrides the reallocation overcommit factor, expressed
// as num/den (default 4/3).
func WithGrowthFactor(num, den int) Option {
	return func(a *Arena) { a.growthNum, a.growthDen = num, den }
}

// WithChecker records whether the caller wants consistency checking. The
// flag is only stored: CheckInvariants, Audit and Checksum behave the same
// whether or not it is set, and nothing on the allocation path reads it.
func WithChecker(enabled bool) Option {
	return func(a *Arena) { a.checkerEnabled = enabled }
}

// WithExtender installs a custom Extender, e.g. one that can be made to
// fail on demand to exercise the exhaustion path in tests.
func WithExtender(fn Extender) Option {
	return func(a *Arena) { a.extend = fn }
}

// Arena is a segregated explicit-free-list allocator over a single,
// contiguous, monotonically-growing byte region: first-fit-by-size-class
// placement with boundary-tag coalescing, addressed entirely through
// unsafe.Pointer arithmetic over its own backing []byte.
//
// Arena is not safe for concurrent use; callers that introduce concurrency
// must serialize calls externally.
type Arena struct {
	mem  []byte
	base unsafe.Pointer

	extend Extender

	wordSize int
	dsize    int
	minBlock int

	numClasses int
	chunkSize  int

	growthNum int
	growthDen int

	checkerEnabled bool

	prologueBp  int
	epilogueOff int
}

// New creates an Arena whose backing store can grow up to capacity bytes.
// The default Extender grows the logical region within that fixed
// capacity; install a custom one via WithExtender to model a collaborator
// with its own growth policy or failure behaviour.
func New(capacity int, opts ...Option) (*Arena, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("arenalloc: capacity must be > 0, got %d", capacity)
	}

	a := &Arena{
		wordSize:   int(unsafe.Sizeof(uintptr(0))),
		numClasses: DefaultNumClasses,
		chunkSize:  DefaultChunkSize,
		growthNum:  defaultGrowthNum,
		growthDen:  defaultGrowthDen,
	}
	a.dsize = 2 * a.wordSize
	a.minBlock = 2*a.dsize + a.wordSize

	for _, opt := range opts {
		opt(a)
	}
	if a.numClasses < 1 {
		return nil, fmt.Errorf("arenalloc: numClasses must be >= 1, got %d", a.numClasses)
	}
	if a.growthDen <= 0 || a.growthNum <= 0 {
		return nil, fmt.Errorf("arenalloc: growth factor must be positive, got %d/%d", a.growthNum, a.growthDen)
	}

	// mem is the maximum span the arena can ever occupy; dirtmake.Bytes
	// leaves it uninitialized, matching a real heap extender handing back
	// unzeroed pages.
	a.mem = dirtmake.Bytes(capacity, capacity)
	a.base = unsafe.Pointer(&a.mem[0])

	if a.extend == nil {
		a.extend = a.defaultExtend
	}

	if err := a.init(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Arena) defaultExtend(n int) (int, error) {
	used := a.epilogueOff // 0 before init; grows monotonically afterward
	if used+n > len(a.mem) {
		return 0, ErrArenaExhausted
	}
	return used, nil
}

// init installs the prologue (carrying the size-class table as its
// payload) and epilogue sentinels, then bootstraps one chunk of free
// space so the first Alloc has somewhere to place into.
func (a *Arena) init() error {
	tableBytes := a.numClasses * a.wordSize
	prologueSize := tableBytes + 4*a.wordSize // header+link+footer+slack, table as payload

	off, err := a.extend(prologueSize + a.wordSize) // + epilogue header word
	if err != nil {
		return fmt.Errorf("arenalloc: init: %w", err)
	}

	a.prologueBp = off + 2*a.wordSize
	a.setTags(a.prologueBp, prologueSize, true)
	for i := 0; i < a.numClasses; i++ {
		a.writeWord(a.bucketHeadOff(i), 0)
	}

	a.epilogueOff = off + prologueSize
	a.writeWord(a.epilogueOff, packTag(0, true))

	if _, ok := a.extendHeap(a.chunkSize); !ok {
		return ErrArenaExhausted
	}
	return nil
}

// ---- word/tag primitives -------------------------------------------------

func (a *Arena) readWord(off int) uintptr {
	return *(*uintptr)(unsafe.Add(a.base, off))
}

func (a *Arena) writeWord(off int, v uintptr) {
	*(*uintptr)(unsafe.Add(a.base, off)) = v
}

func packTag(size int, alloc bool) uintptr {
	v := uintptr(size)
	if alloc {
		v |= 1
	}
	return v
}

func sizeOfTag(v uintptr) int { return int(v &^ 1) }
func allocOfTag(v uintptr) bool { return v&1 != 0 }

func (a *Arena) writeTag(off, size int, alloc bool) {
	a.writeWord(off, packTag(size, alloc))
}

// ---- block geometry (data model, §3) -------------------------------------
//
// For a block with payload address bp and total size S:
//   header  @ bp-2W
//   link    @ bp-W     (free: next pointer)
//   payload @ [bp, bp+S-4W)
//   footer  @ bp+S-4W
//   prev    @ bp+S-5W  (free: prev pointer, last word of payload)
//   (one word of slack follows the footer, completing the 2*DSIZE overhead)

func (a *Arena) headerOff(bp int) int { return bp - 2*a.wordSize }
func (a *Arena) linkOff(bp int) int   { return bp - a.wordSize }
func (a *Arena) footerOff(bp, size int) int { return bp + size - 4*a.wordSize }
func (a *Arena) prevLinkOff(bp, size int) int { return bp + size - 5*a.wordSize }

func (a *Arena) blockSize(bp int) int { return sizeOfTag(a.readWord(a.headerOff(bp))) }
func (a *Arena) allocOf(bp int) bool  { return allocOfTag(a.readWord(a.headerOff(bp))) }

// nextBlockOff returns the payload address of the block immediately
// following bp.
func (a *Arena) nextBlockOff(bp int) int {
	return bp + a.blockSize(bp)
}

// prevBlockOff returns the payload address of the block immediately
// preceding bp, found by reading that block's footer (which sits 4W
// before bp; see the geometry note above — the classic "footer at bp-2W"
// shorthand assumes no link word between header and payload, which this
// layout does not have).
func (a *Arena) prevBlockOff(bp int) int {
	prevSize := sizeOfTag(a.readWord(bp - 4*a.wordSize))
	return bp - prevSize
}

// payloadCap returns the number of bytes usable by the caller in a block
// of the given total size.
func (a *Arena) payloadCap(size int) int { return size - 4*a.wordSize }

func (a *Arena) setTags(bp, size int, alloc bool) {
	a.writeTag(a.headerOff(bp), size, alloc)
	a.writeTag(a.footerOff(bp, size), size, alloc)
}

// ---- size-class index (§4.2) --------------------------------------------

func (a *Arena) bucketFor(size int) int {
	if size < 1 {
		size = 1
	}
	i := bits.Len(uint(size)) - 1
	if i < 0 {
		i = 0
	}
	if i >= a.numClasses {
		i = a.numClasses - 1
	}
	return i
}

func (a *Arena) bucketHeadOff(i int) int { return a.prologueBp + i*a.wordSize }
func (a *Arena) bucketHead(i int) int    { return int(a.readWord(a.bucketHeadOff(i))) }
func (a *Arena) bucketSetHead(i, bp int) { a.writeWord(a.bucketHeadOff(i), uintptr(bp)) }

// ---- free-list management (§4.3) ----------------------------------------

func (a *Arena) readNext(bp int) int            { return int(a.readWord(a.linkOff(bp))) }
func (a *Arena) writeNext(bp, next int)          { a.writeWord(a.linkOff(bp), uintptr(next)) }
func (a *Arena) readPrev(bp, size int) int       { return int(a.readWord(a.prevLinkOff(bp, size))) }
func (a *Arena) writePrev(bp, size, prev int)    { a.writeWord(a.prevLinkOff(bp, size), uintptr(prev)) }

func (a *Arena) insertToList(bp int) {
	size := a.blockSize(bp)
	b := a.bucketFor(size)
	head := a.bucketHead(b)
	if head == 0 {
		a.writeNext(bp, bp)
		a.writePrev(bp, size, bp)
		a.bucketSetHead(b, bp)
		return
	}
	headSize := a.blockSize(head)
	tail := a.readPrev(head, headSize)
	a.writeNext(tail, bp)
	a.writePrev(bp, size, tail)
	a.writeNext(bp, head)
	a.writePrev(head, headSize, bp)
}

func (a *Arena) removeFromList(bp int) {
	size := a.blockSize(bp)
	b := a.bucketFor(size)
	next := a.readNext(bp)
	prev := a.readPrev(bp, size)
	if next == bp {
		a.bucketSetHead(b, 0)
		return
	}
	a.writeNext(prev, next)
	a.writePrev(next, a.blockSize(next), prev)
	if a.bucketHead(b) == bp {
		a.bucketSetHead(b, next)
	}
}

// ---- coalescer (§4.4) ----------------------------------------------------

func (a *Arena) coalesce(bp int) int {
	size := a.blockSize(bp)

	prevFree := bp != a.firstRealBp() && !a.allocOf(a.prevBlockOff(bp))
	nextBp := a.nextBlockOff(bp)
	nextFree := !a.allocOf(nextBp)

	switch {
	case !prevFree && !nextFree:
		// no merge
	case !prevFree && nextFree:
		size += a.blockSize(nextBp)
		a.removeFromList(nextBp)
	case prevFree && !nextFree:
		pBp := a.prevBlockOff(bp)
		size += a.blockSize(pBp)
		a.removeFromList(pBp)
		bp = pBp
	default:
		pBp := a.prevBlockOff(bp)
		size += a.blockSize(pBp) + a.blockSize(nextBp)
		a.removeFromList(pBp)
		a.removeFromList(nextBp)
		bp = pBp
	}

	a.setTags(bp, size, false)
	a.insertToList(bp)
	return bp
}

// firstRealBp is the payload address of the block immediately following
// the prologue -- the leftmost block a prevBlockOff walk may ever reach.
func (a *Arena) firstRealBp() int {
	return a.nextBlockOff(a.prologueBp)
}

// ---- heap extender wrapper (§4.5) ----------------------------------------

func (a *Arena) extendHeap(minBytes int) (int, bool) {
	words := (minBytes + a.wordSize - 1) / a.wordSize
	if words%2 != 0 {
		words++
	}
	total := words * a.wordSize

	off, err := a.extend(total)
	if err != nil {
		return 0, false
	}

	bp := off + 2*a.wordSize
	a.setTags(bp, total, false)

	newEpilogue := off + total
	a.writeWord(newEpilogue, packTag(0, true))
	a.epilogueOff = newEpilogue

	// Deliberately not coalesced with any preceding free block: the
	// mature variant of the source trades a missed merge opportunity for
	// better locality of freshly-extended memory. See open questions.
	a.insertToList(bp)
	return bp, true
}

// ---- placement / splitter (§4.6) -----------------------------------------

func (a *Arena) place(bp, need int) int {
	a.removeFromList(bp)
	cur := a.blockSize(bp)
	rem := cur - need
	if rem >= a.minBlock {
		a.setTags(bp, need, true)
		tail := a.nextBlockOff(bp)
		a.setTags(tail, rem, false)
		a.insertToList(tail)
	} else {
		a.setTags(bp, cur, true)
	}
	a.writeWord(a.linkOff(bp), 0)
	return bp
}

// ---- fit search (§4.7) ---------------------------------------------------

func (a *Arena) findFit(need int) (int, bool) {
	b := a.bucketFor(need)
	if b == a.numClasses-1 {
		return a.findFitLargest(b, need)
	}

	if head := a.bucketHead(b); head != 0 && a.blockSize(head) >= need {
		a.removeFromList(head)
		return head, true
	}
	for nb := b + 1; nb < a.numClasses; nb++ {
		if head := a.bucketHead(nb); head != 0 {
			a.removeFromList(head)
			return head, true
		}
	}
	return 0, false
}

// findFitLargest performs a first-fit scan of the saturating top bucket.
// On a match it pivots the bucket head to the match's successor before
// unlinking, so the next search starts past it (amortised scanning),
// and removes the match explicitly rather than handing a half-unlinked
// node to place.
func (a *Arena) findFitLargest(b, need int) (int, bool) {
	head := a.bucketHead(b)
	if head == 0 {
		return 0, false
	}

	cur := head
	for {
		size := a.blockSize(cur)
		next := a.readNext(cur)
		if size >= need {
			prev := a.readPrev(cur, size)
			if next == cur {
				a.bucketSetHead(b, 0)
			} else {
				a.writeNext(prev, next)
				a.writePrev(next, a.blockSize(next), prev)
				a.bucketSetHead(b, next)
			}
			return cur, true
		}
		if next == head {
			return 0, false
		}
		cur = next
	}
}

// ---- allocation / free / reallocation front (§4.8) ------------------------

func (a *Arena) neededSize(requested int) int {
	overhead := 2 * a.dsize
	need := roundUp(requested+overhead, a.wordSize)
	if need < a.minBlock {
		need = a.minBlock
	}
	return need
}

func roundUp(x, w int) int { return (x + w - 1) / w * w }

// Alloc returns a slice of at least size bytes, or nil if size <= 0 or the
// arena is exhausted.
func (a *Arena) Alloc(size int) []byte {
	if size <= 0 {
		return nil
	}
	need := a.neededSize(size)

	bp, ok := a.findFit(need)
	if !ok {
		grow := need
		if a.chunkSize > grow {
			grow = a.chunkSize
		}
		// Place into the fresh block directly: findFit only checks the head
		// of need's own bucket, which may still hold an older, smaller block.
		if bp, ok = a.extendHeap(grow); !ok {
			return nil
		}
	}

	bp = a.place(bp, need)
	return a.payloadSlice(bp, size)
}

// Free returns block to the arena. A nil or empty block is a no-op.
// Freeing a slice not produced by this Arena, or one already freed,
// panics -- these are programmer errors, not recoverable runtime faults
// (see spec error taxonomy).
func (a *Arena) Free(block []byte) {
	if len(block) == 0 {
		return
	}
	bp := a.offsetOf(block)
	if bp <= a.prologueBp || bp >= a.epilogueOff {
		panic(ErrInvalidBlock)
	}
	if !a.allocOf(bp) {
		panic(ErrInvalidBlock)
	}
	size := a.blockSize(bp)
	a.setTags(bp, size, false)
	a.coalesce(bp)
}

// Realloc resizes block to size bytes, preferring in-place growth into
// free neighbours before falling back to a fresh allocation. On
// allocation failure the original block is left untouched and nil is
// returned.
func (a *Arena) Realloc(block []byte, size int) []byte {
	if size == 0 {
		a.Free(block)
		return nil
	}
	if len(block) == 0 {
		return a.Alloc(size)
	}

	bp := a.offsetOf(block)
	old := a.blockSize(bp)
	target := size + 2*a.dsize

	if target <= old {
		return a.payloadSlice(bp, size)
	}

	nextBp := a.nextBlockOff(bp)
	nextFree := !a.allocOf(nextBp)
	prevExists := bp != a.firstRealBp()
	var prevBp int
	prevFree := false
	if prevExists {
		prevBp = a.prevBlockOff(bp)
		prevFree = !a.allocOf(prevBp)
	}

	switch {
	case nextFree && old+a.blockSize(nextBp) >= target:
		nsz := a.blockSize(nextBp)
		a.removeFromList(nextBp)
		a.setTags(bp, old+nsz, true)
		return a.payloadSlice(bp, size)

	case prevFree && old+a.blockSize(prevBp) >= target:
		psz := a.blockSize(prevBp)
		a.removeFromList(prevBp)
		a.setTags(prevBp, old+psz, true)
		a.shiftPayload(bp, prevBp, old-a.dsize)
		return a.payloadSlice(prevBp, size)

	case prevFree && nextFree && old+a.blockSize(prevBp)+a.blockSize(nextBp) >= target:
		psz := a.blockSize(prevBp)
		nsz := a.blockSize(nextBp)
		a.removeFromList(prevBp)
		a.removeFromList(nextBp)
		a.setTags(prevBp, old+psz+nsz, true)
		a.shiftPayload(bp, prevBp, old-a.dsize)
		return a.payloadSlice(prevBp, size)

	default:
		growTarget := (old*a.growthNum + a.growthDen - 1) / a.growthDen
		reqSize := size
		if growTarget > reqSize {
			reqSize = growTarget
		}
		newBlock := a.Alloc(reqSize)
		if newBlock == nil {
			return nil
		}
		oldUsable := a.payloadCap(old)
		copyLen := size
		if oldUsable < copyLen {
			copyLen = oldUsable
		}
		oldPayload := unsafe.Slice((*byte)(unsafe.Add(a.base, bp)), oldUsable)
		copy(newBlock[:copyLen], oldPayload[:copyLen])
		a.Free(block)
		return newBlock
	}
}

func (a *Arena) shiftPayload(srcBp, dstBp, length int) {
	src := unsafe.Slice((*byte)(unsafe.Add(a.base, srcBp)), length)
	dst := unsafe.Slice((*byte)(unsafe.Add(a.base, dstBp)), length)
	copy(dst, src) // copy() is memmove-safe under overlap, per the language spec
}

func (a *Arena) payloadSlice(bp, size int) []byte {
	usable := a.payloadCap(a.blockSize(bp))
	return unsafe.Slice((*byte)(unsafe.Add(a.base, bp)), usable)[:size]
}

type sliceHeader struct {
	Data unsafe.Pointer
	Len  int
	Cap  int
}

func (a *Arena) offsetOf(block []byte) int {
	h := (*sliceHeader)(unsafe.Pointer(&block))
	return int(uintptr(h.Data) - uintptr(a.base))
}

// Owns reports whether block's backing memory lies within this Arena,
// without validating that it is currently allocated. Used by callers
// (e.g. cache/mempool) that layer a pool on top of several allocators and
// need to route Free calls to the right one.
func (a *Arena) Owns(block []byte) bool {
	if len(block) == 0 {
		return false
	}
	h := (*sliceHeader)(unsafe.Pointer(&block))
	off := uintptr(h.Data) - uintptr(a.base)
	return off < uintptr(len(a.mem))
}

// Reset discards all allocations and reinstalls the initial sentinels and
// free space, without invoking the Extender again. Existing slices handed
// out before Reset become invalid.
func (a *Arena) Reset() error {
	ext := a.extend
	a.extend = a.defaultExtend // hands back the leading bytes of mem again
	defer func() { a.extend = ext }()
	a.epilogueOff = 0
	a.prologueBp = 0
	return a.init()
}
