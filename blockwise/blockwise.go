// Package blockwise implements CoAP block-wise transfer (RFC 7959):
// Block1/Block2 option codec plus a reassembly/send engine for payloads
// larger than one datagram, guarded per-token so only one transfer is
// outstanding at a time for a given request.
package blockwise

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/dsnet/golib/memfile"
	"golang.org/x/sync/semaphore"

	"github.com/netcoap/psbroker/pkg/coaperrors"
	"github.com/netcoap/psbroker/protocol"
)

var (
	ErrInvalidSZX             = errors.New("invalid SZX")
	ErrBlockNumberExceedLimit = errors.New("block number exceeds limit")
	ErrBlockInvalidSize       = errors.New("block option value too large")
	ErrBlockOutOfOrder        = errors.New("block received out of order")
)

const (
	// maxBlockValue is the largest value a 3-byte Block option can hold
	// (RFC 7959 §2.1).
	maxBlockValue = 0xffffff
	// maxBlockNumber is the 20-bit NUM field's upper bound (2^20 - 1).
	maxBlockNumber = 0xfffff
	moreBlocksMask = 0x8
	szxMask        = 0x7
)

// SZX is the block size exponent of RFC 7959 §2.2: size = 2^(SZX+4) bytes.
type SZX uint8

const (
	SZX16   SZX = 0
	SZX32   SZX = 1
	SZX64   SZX = 2
	SZX128  SZX = 3
	SZX256  SZX = 4
	SZX512  SZX = 5
	SZX1024 SZX = 6
	SZXBERT SZX = 7
)

var szxToSize = map[SZX]int64{
	SZX16:   16,
	SZX32:   32,
	SZX64:   64,
	SZX128:  128,
	SZX256:  256,
	SZX512:  512,
	SZX1024: 1024,
	SZXBERT: 1024,
}

// Size returns the number of bytes one block of this size holds.
func (s SZX) Size() int64 {
	if v, ok := szxToSize[s]; ok {
		return v
	}
	return -1
}

// EncodeBlockOption packs szx, blockNumber and the more-blocks flag into a
// Block1/Block2 option value.
func EncodeBlockOption(szx SZX, blockNumber int64, moreBlocksFollowing bool) (uint32, error) {
	if szx > SZXBERT {
		return 0, ErrInvalidSZX
	}
	if blockNumber < 0 || blockNumber > maxBlockNumber {
		return 0, ErrBlockNumberExceedLimit
	}
	blockVal := uint32(blockNumber << 4)
	if moreBlocksFollowing {
		blockVal |= moreBlocksMask
	}
	blockVal |= uint32(szx)
	return blockVal, nil
}

// DecodeBlockOption reverses EncodeBlockOption.
func DecodeBlockOption(blockVal uint32) (szx SZX, blockNumber int64, moreBlocksFollowing bool, err error) {
	if blockVal > maxBlockValue {
		return 0, 0, false, ErrBlockInvalidSize
	}
	szx = SZX(blockVal & szxMask)
	moreBlocksFollowing = blockVal&moreBlocksMask != 0
	blockNumber = int64(blockVal) >> 4
	if blockNumber > maxBlockNumber {
		return szx, blockNumber, moreBlocksFollowing, ErrBlockNumberExceedLimit
	}
	return szx, blockNumber, moreBlocksFollowing, nil
}

// Transfer tracks one in-progress block-wise reassembly (receiving) or
// delivery (sending), keyed by token by the caller.
type Transfer struct {
	buf     *memfile.File
	szx     SZX
	size    int64
	nextNum int64
}

// NewTransfer starts a transfer for an expected total size (0 if unknown
// up front, as with Block1 uploads).
func NewTransfer(szx SZX, size int64) *Transfer {
	return &Transfer{buf: memfile.New(nil), szx: szx, size: size}
}

// SZX returns the block size exponent the transfer was started with.
func (t *Transfer) SZX() SZX {
	return t.szx
}

// WriteBlock appends the payload of block number num to the reassembly
// buffer at its correct offset and reports whether the total size
// (protocol.MaxBlockTransferBytes) was exceeded. Blocks must arrive in
// order starting at 0 (RFC 7959 §2.5); a gap or repeat fails with
// ErrBlockOutOfOrder rather than silently zero-filling the hole.
func (t *Transfer) WriteBlock(num int64, payload []byte) error {
	if num != t.nextNum {
		return ErrBlockOutOfOrder
	}
	offset := num * t.szx.Size()
	if offset+int64(len(payload)) > protocol.MaxBlockTransferBytes {
		return ErrBlockNumberExceedLimit
	}
	if _, err := t.buf.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	if _, err := t.buf.Write(payload); err != nil {
		return err
	}
	t.nextNum++
	return nil
}

// ReadBlock returns the payload bytes for block number num of the transfer
// being sent, and whether more blocks remain after it.
func (t *Transfer) ReadBlock(num int64) (payload []byte, more bool, err error) {
	offset := num * t.szx.Size()
	if offset >= t.size {
		return nil, false, io.EOF
	}
	if _, err := t.buf.Seek(offset, io.SeekStart); err != nil {
		return nil, false, err
	}
	blockLen := t.szx.Size()
	remaining := t.size - offset
	if blockLen > remaining {
		blockLen = remaining
	}
	buf := make([]byte, blockLen)
	n, err := io.ReadFull(t.buf, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, false, err
	}
	return buf[:n], offset+int64(n) < t.size, nil
}

// Body returns the fully reassembled payload. Call only once all blocks
// have been received.
func (t *Transfer) Body() ([]byte, error) {
	if _, err := t.buf.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(t.buf)
}

// Engine guards concurrent block-wise transfers: Begin refuses a second
// transfer for a token that already has one registered, and a weighted
// semaphore caps how many transfers may be in flight across all tokens.
type Engine struct {
	sem       *semaphore.Weighted
	mu        sync.Mutex
	transfers map[string]*Transfer
}

// NewEngine creates an Engine allowing at most maxConcurrent transfers in
// flight across all tokens.
func NewEngine(maxConcurrent int64) *Engine {
	return &Engine{
		sem:       semaphore.NewWeighted(maxConcurrent),
		transfers: make(map[string]*Transfer),
	}
}

// Begin acquires a slot and registers a new transfer for tokenKey, failing
// fast if a transfer for tokenKey is already registered.
func (e *Engine) Begin(tokenKey string, szx SZX, size int64) (*Transfer, error) {
	e.mu.Lock()
	_, exists := e.transfers[tokenKey]
	e.mu.Unlock()
	if exists {
		return nil, coaperrors.ErrBlockTransferInProgress
	}
	if err := e.sem.Acquire(context.Background(), 1); err != nil {
		return nil, err
	}
	t := NewTransfer(szx, size)
	e.mu.Lock()
	e.transfers[tokenKey] = t
	e.mu.Unlock()
	return t, nil
}

// Lookup returns the in-progress transfer for tokenKey, if any.
func (e *Engine) Lookup(tokenKey string) (*Transfer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[tokenKey]
	return t, ok
}

// End releases tokenKey's slot and forgets its transfer, called once the
// transfer completes or is abandoned.
func (e *Engine) End(tokenKey string) {
	e.mu.Lock()
	_, ok := e.transfers[tokenKey]
	if ok {
		delete(e.transfers, tokenKey)
	}
	e.mu.Unlock()
	if ok {
		e.sem.Release(1)
	}
}
