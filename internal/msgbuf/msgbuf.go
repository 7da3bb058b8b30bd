// Package msgbuf implements the message buffer pool of spec §4.10: a
// fixed pool of equal-size link nodes, messages as singly-linked chains
// of those nodes, and the 4-level priority queues that order messages for
// a single consumer. A low-watermark reserve keeps a few free buffers set
// aside so low-priority traffic cannot starve higher-priority allocation.
package msgbuf

import (
	"sync"

	"github.com/openthread-go/meshcore/internal/meshcore"
)

// BufferSize is the payload capacity of one pool buffer, chosen to match
// a typical 802.15.4 MTU fragment (spec §4.10 "e.g., 128 bytes each").
const BufferSize = 128

// Priority is a message's queueing priority (spec §3).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityNet
	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityNet:
		return "net"
	default:
		return "unknown"
	}
}

// Type identifies the payload a message carries (spec §3).
type Type int

const (
	TypeIP6 Type = iota
	TypeMacData
	TypeMacCommand
	TypeSupervision
)

// bufferHandle indexes one node in the pool's backing array.
type bufferHandle int

const noBuffer bufferHandle = -1

type buffer struct {
	data [BufferSize]byte
	next bufferHandle
	free bool
}

// Handle identifies an allocated message.
type Handle int

// InvalidHandle is returned alongside an error from Allocate.
const InvalidHandle Handle = -1

// Message is metadata plus the head of a buffer chain (spec §3 Message).
type Message struct {
	head              bufferHandle
	Length            int
	Offset            int
	LinkSecurityOn    bool
	Priority          Priority
	Type              Type
	Dest              meshcore.ShortAddress
	ScheduledTransmit bool
}

// Pool is the fixed-capacity buffer arena plus the live message table.
type Pool struct {
	mu sync.Mutex

	buffers  []buffer
	freeHead bufferHandle
	freeCount int

	lowWatermarkReserve int

	messages map[Handle]*Message
	nextID   Handle

	// owner tracks which Queue currently holds each message handle, so
	// a handle is never enqueued onto two queues at once (spec §8).
	owner map[Handle]*Queue
}

// NewPool allocates a pool with bufferCount nodes, reserving
// lowWatermarkReserve of them for Normal-or-above priority allocation once
// the free count drops to or below that reserve (spec §4.10).
func NewPool(bufferCount, lowWatermarkReserve int) *Pool {
	p := &Pool{
		buffers:             make([]buffer, bufferCount),
		lowWatermarkReserve: lowWatermarkReserve,
		messages:            make(map[Handle]*Message),
		owner:               make(map[Handle]*Queue),
	}
	for i := range p.buffers {
		next := bufferHandle(i + 1)
		if i == len(p.buffers)-1 {
			next = noBuffer
		}
		p.buffers[i] = buffer{next: next, free: true}
	}
	if bufferCount > 0 {
		p.freeHead = 0
	} else {
		p.freeHead = noBuffer
	}
	p.freeCount = bufferCount
	return p
}

// FreeBufferCount reports how many pool buffers are currently unused.
func (p *Pool) FreeBufferCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeCount
}

// Allocate reserves one buffer and returns a new Message handle of the
// given priority, or meshcore.ErrNoBufs if the pool is exhausted or the
// low-watermark reserve blocks a low-priority request (spec §4.10
// allocate(priority) -> Option<MessageHandle>).
func (p *Pool) Allocate(priority Priority) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.freeCount <= p.lowWatermarkReserve && priority == PriorityLow {
		return InvalidHandle, meshcore.ErrNoBufs
	}
	buf := p.popFreeLocked()
	if buf == noBuffer {
		return InvalidHandle, meshcore.ErrNoBufs
	}

	id := p.nextID
	p.nextID++
	p.messages[id] = &Message{head: buf, Priority: priority}
	return id, nil
}

func (p *Pool) popFreeLocked() bufferHandle {
	if p.freeHead == noBuffer {
		return noBuffer
	}
	h := p.freeHead
	p.freeHead = p.buffers[h].next
	p.buffers[h].free = false
	p.buffers[h].next = noBuffer
	p.freeCount--
	return h
}

// Grow appends one more buffer to msg's chain, allocating from the pool.
// It returns meshcore.ErrNoBufs if the pool has no free buffers left,
// regardless of the message's priority (growth never invokes the
// low-watermark reserve check, which only gates the initial allocation).
func (p *Pool) Grow(id Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg, ok := p.messages[id]
	if !ok {
		return meshcore.ErrInvalidArgs
	}
	buf := p.popFreeLocked()
	if buf == noBuffer {
		return meshcore.ErrNoBufs
	}

	if msg.head == noBuffer {
		msg.head = buf
		return nil
	}
	tail := msg.head
	for p.buffers[tail].next != noBuffer {
		tail = p.buffers[tail].next
	}
	p.buffers[tail].next = buf
	return nil
}

// Free returns every buffer in id's chain to the pool and discards its
// metadata.
func (p *Pool) Free(id Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg, ok := p.messages[id]
	if !ok {
		return
	}
	h := msg.head
	for h != noBuffer {
		next := p.buffers[h].next
		p.buffers[h].free = true
		p.buffers[h].next = p.freeHead
		p.freeHead = h
		p.freeCount++
		h = next
	}
	delete(p.messages, id)
}

// Get returns id's metadata, for callers that need to inspect or mutate
// Length/Offset/Dest/etc. after allocation.
func (p *Pool) Get(id Handle) (*Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg, ok := p.messages[id]
	return msg, ok
}

// Queue is one of the 4 priority levels' FIFO lists for a single
// consumer (spec §4.10). A message lives in at most one Queue at a time
// (spec §8 ownership invariant): Enqueue consults the owning Pool's
// ownership table and returns meshcore.ErrAlready if id is already
// queued elsewhere, so a message can move between queues but never sit
// in two at once.
type Queue struct {
	mu     sync.Mutex
	pool   *Pool
	levels [numPriorities][]Handle
}

// NewQueue constructs an empty priority queue backed by pool's ownership
// table.
func NewQueue(pool *Pool) *Queue {
	return &Queue{pool: pool}
}

// Enqueue adds id at the tail of its priority level.
func (q *Queue) Enqueue(id Handle, priority Priority) error {
	q.pool.mu.Lock()
	if _, owned := q.pool.owner[id]; owned {
		q.pool.mu.Unlock()
		return meshcore.ErrAlready
	}
	q.pool.owner[id] = q
	q.pool.mu.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.levels[priority] = append(q.levels[priority], id)
	return nil
}

// Dequeue removes and returns the head of the highest non-empty priority
// level (Net first, down to Low), or ok=false if every level is empty.
func (q *Queue) Dequeue() (id Handle, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for level := int(numPriorities) - 1; level >= 0; level-- {
		if len(q.levels[level]) > 0 {
			id = q.levels[level][0]
			q.levels[level] = q.levels[level][1:]
			q.pool.mu.Lock()
			delete(q.pool.owner, id)
			q.pool.mu.Unlock()
			return id, true
		}
	}
	return InvalidHandle, false
}

// Len returns the total number of messages across all priority levels.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, l := range q.levels {
		n += len(l)
	}
	return n
}
