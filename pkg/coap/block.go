package coap

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crawlins/kythira/pkg/metrics"
)

const (
	MinBlockSize = 16
	MaxBlockSize = 1024
)

// A BlockOption describes one fragment of a block-wise transfer: the block
// number, whether more blocks follow, and the negotiated block size.
type BlockOption struct {
	Num  uint32
	More bool
	Size int
}

// ParseBlockOption decodes a Block1/Block2 option value.
func ParseBlockOption(value []byte) (BlockOption, error) {
	if len(value) > 3 {
		return BlockOption{}, fmt.Errorf("%w: block option longer than 3 bytes",
			ErrMalformedMessage)
	}

	var raw uint32
	for _, b := range value {
		raw = raw<<8 | uint32(b)
	}

	szx := raw & 0x7
	if szx == 7 {
		return BlockOption{}, fmt.Errorf("%w: reserved block size exponent",
			ErrMalformedMessage)
	}

	return BlockOption{
		Num:  raw >> 4,
		More: raw&0x8 != 0,
		Size: MinBlockSize << szx,
	}, nil
}

// Value encodes the option in its minimal length. It panics on a size that
// is not a power of two between 16 and 1024, which is a programming error.
func (b BlockOption) Value() []byte {
	szx := uint32(0)
	for size := b.Size; size > MinBlockSize; size >>= 1 {
		szx++
	}

	if MinBlockSize<<szx != b.Size || b.Size > MaxBlockSize {
		panic(fmt.Sprintf("invalid block size %d", b.Size))
	}

	raw := b.Num << 4 | szx
	if b.More {
		raw |= 0x8
	}

	switch {
	case raw == 0:
		return nil

	case raw < 1<<8:
		return []byte{uint8(raw)}

	case raw < 1<<16:
		var value [2]byte
		binary.BigEndian.PutUint16(value[:], uint16(raw))
		return value[:]

	default:
		var value [4]byte
		binary.BigEndian.PutUint32(value[:], raw)
		return value[1:]
	}
}

// ShouldUseBlockTransfer reports whether a payload must be fragmented.
func ShouldUseBlockTransfer(payload []byte, blockSize int) bool {
	return len(payload) > blockSize
}

// SplitPayloadIntoBlocks cuts a payload into blockSize fragments. The last
// fragment carries the remainder and may be shorter.
func SplitPayloadIntoBlocks(payload []byte, blockSize int) [][]byte {
	if len(payload) == 0 {
		return [][]byte{{}}
	}

	nbBlocks := (len(payload) + blockSize - 1) / blockSize
	blocks := make([][]byte, nbBlocks)

	for i := range blocks {
		start := i * blockSize
		end := start + blockSize
		if end > len(payload) {
			end = len(payload)
		}

		blocks[i] = payload[start:end]
	}

	return blocks
}

type blockTransfer struct {
	blockSize int
	buffer    []byte
	received  map[uint32]struct{}

	finalSeen bool
	finalNum  uint32
	finalLen  int

	lastActivity time.Time
}

func (t *blockTransfer) complete() bool {
	if !t.finalSeen {
		return false
	}

	return uint32(len(t.received)) == t.finalNum+1
}

func (t *blockTransfer) payload() []byte {
	size := int(t.finalNum)*t.blockSize + t.finalLen
	return t.buffer[:size]
}

// A Reassembler rebuilds fragmented payloads. Transfers are keyed by
// exchange token; blocks may arrive out of order or duplicated, each
// received block number is recorded and the transfer completes once the
// final block and every block before it are present.
type Reassembler struct {
	maxPayloadSize int
	timeout        time.Duration
	metrics        metrics.Metrics

	mutex     sync.Mutex
	transfers map[string]*blockTransfer
}

func NewReassembler(maxPayloadSize int, timeout time.Duration, m metrics.Metrics) *Reassembler {
	if m == nil {
		m = metrics.Nop
	}

	return &Reassembler{
		maxPayloadSize: maxPayloadSize,
		timeout:        timeout,
		metrics:        m,

		transfers: make(map[string]*blockTransfer),
	}
}

// Add records one block. It returns the reassembled payload once the
// transfer is complete. Duplicated blocks are ignored.
func (r *Reassembler) Add(token []byte, block BlockOption, data []byte) ([]byte, bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	key := string(token)

	transfer, found := r.transfers[key]
	if !found {
		transfer = &blockTransfer{
			blockSize: block.Size,
			received:  make(map[uint32]struct{}),
		}

		r.transfers[key] = transfer
		r.metrics.Count("coap.block_transfers_started", 1, nil)
	}

	transfer.lastActivity = time.Now()

	if block.Size != transfer.blockSize {
		delete(r.transfers, key)
		return nil, false, fmt.Errorf("block size changed from %d to %d "+
			"during transfer", transfer.blockSize, block.Size)
	}

	if block.More && len(data) != block.Size {
		delete(r.transfers, key)
		return nil, false, fmt.Errorf("non-final block of %d bytes, "+
			"expected %d", len(data), block.Size)
	}

	if _, duplicate := transfer.received[block.Num]; duplicate {
		r.metrics.Count("coap.duplicate_blocks", 1, nil)
		return nil, false, nil
	}

	end := int(block.Num)*transfer.blockSize + len(data)
	if end > r.maxPayloadSize {
		delete(r.transfers, key)
		return nil, false, fmt.Errorf("reassembled payload would exceed "+
			"%d bytes", r.maxPayloadSize)
	}

	if end > len(transfer.buffer) {
		buffer := make([]byte, end)
		copy(buffer, transfer.buffer)
		transfer.buffer = buffer
	}

	copy(transfer.buffer[int(block.Num)*transfer.blockSize:], data)
	transfer.received[block.Num] = struct{}{}

	if !block.More {
		if transfer.finalSeen && transfer.finalNum != block.Num {
			delete(r.transfers, key)
			return nil, false, fmt.Errorf("conflicting final blocks %d and %d",
				transfer.finalNum, block.Num)
		}

		transfer.finalSeen = true
		transfer.finalNum = block.Num
		transfer.finalLen = len(data)
	}

	if !transfer.complete() {
		return nil, false, nil
	}

	payload := transfer.payload()
	delete(r.transfers, key)

	r.metrics.Count("coap.block_transfers_completed", 1, nil)

	return payload, true, nil
}

// Abort drops the transfer state of a token, if any.
func (r *Reassembler) Abort(token []byte) {
	r.mutex.Lock()
	delete(r.transfers, string(token))
	r.mutex.Unlock()
}

func (r *Reassembler) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return len(r.transfers)
}

// BufferedBytes returns the total memory held by incomplete transfers.
func (r *Reassembler) BufferedBytes() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var total int
	for _, transfer := range r.transfers {
		total += len(transfer.buffer)
	}

	return total
}

// CleanupExpired drops transfers idle for longer than the timeout and
// returns how many were dropped.
func (r *Reassembler) CleanupExpired() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	deadline := time.Now().Add(-r.timeout)

	var nbExpired int
	for key, transfer := range r.transfers {
		if transfer.lastActivity.Before(deadline) {
			delete(r.transfers, key)
			nbExpired++
		}
	}

	if nbExpired > 0 {
		r.metrics.Count("coap.block_transfers_expired", float64(nbExpired), nil)
	}

	return nbExpired
}

// Shed drops the least recently active half of the incomplete transfers
// and returns how many were dropped.
func (r *Reassembler) Shed() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if len(r.transfers) < 2 {
		return 0
	}

	keys := make([]string, 0, len(r.transfers))
	for key := range r.transfers {
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		ti := r.transfers[keys[i]].lastActivity
		tj := r.transfers[keys[j]].lastActivity
		return ti.Before(tj)
	})

	nbShed := len(keys) / 2
	for _, key := range keys[:nbShed] {
		delete(r.transfers, key)
	}

	r.metrics.Count("coap.block_transfers_shed", float64(nbShed), nil)

	return nbShed
}
