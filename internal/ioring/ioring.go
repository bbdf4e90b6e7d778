// Package ioring is a minimal, pure-Go io_uring binding: no cgo, no
// liburing. It exposes just enough of the submission/completion ring
// protocol for a single-fd, single-opcode proactive reader: submit an
// IORING_OP_READ, wait for its completion, resubmit.
//
// Ring construction checks for IORING_FEAT_SINGLE_MMAP (5.4+) and fails
// cleanly on older kernels so a caller can fall back to a reactive backend.
// Reads are submitted as IORING_OP_READ, which needs 5.6+; New does not
// check for it, so on 5.4 and 5.5 construction succeeds and the reads fail.
package ioring

import (
	"runtime"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	opRead = 22 // IORING_OP_READ (Linux 5.6+)

	featSingleMmap = 1 << 0
	enterGetevents = 1 << 0

	sqeSize = 64
	cqeSize = 16
)

// sqe mirrors struct io_uring_sqe's first-64-bytes layout (pre-SQE128).
type sqe struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	RWFlags     uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	pad         [2]uint64
}

// cqe mirrors struct io_uring_cqe.
type cqe struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

type setupParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        ringOffsets
	cqOff        cqRingOffsets
}

// ringOffsets mirrors struct io_sqring_offsets; arrayOrCqes holds its array
// offset.
type ringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	arrayOrCqes uint32
	resv1       uint32
	resv2       uint64
}

// cqRingOffsets mirrors struct io_cqring_offsets. It is the same size as
// ringOffsets, but its fifth and sixth words are overflow and cqes, and
// flags comes seventh.
type cqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	resv2       uint64
}

// Ring is one io_uring instance: a submission queue and a completion queue,
// both mmap'd shared memory the kernel reads/writes directly.
type Ring struct {
	fd      int
	ringMem []byte
	sqeMem  []byte

	sqHead, sqTail, sqFlags, sqDropped *uint32
	sqMask, sqEntries                  uint32
	sqArray                            []uint32
	sqes                               []sqe

	cqHead, cqTail *uint32
	cqMask         uint32
	cqes           []cqe
}

// New creates a ring with room for entries submissions (rounded up to a
// power of two by the kernel).
func New(entries uint32) (*Ring, error) {
	var params setupParams
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, errors.Wrap(errno, "io_uring_setup")
	}

	if params.features&featSingleMmap == 0 {
		unix.Close(int(fd))
		return nil, errors.New("kernel lacks IORING_FEAT_SINGLE_MMAP (needs Linux 5.4+)")
	}

	r := &Ring{fd: int(fd)}
	if err := r.mapRings(&params); err != nil {
		r.Close()
		return nil, err
	}
	runtime.SetFinalizer(r, (*Ring).Close)
	return r, nil
}

func (r *Ring) mapRings(params *setupParams) error {
	pageSize := uint32(unix.Getpagesize())

	sqRingSize := params.sqOff.arrayOrCqes + params.sqEntries*4
	cqRingSize := params.cqOff.cqes + params.cqEntries*uint32(cqeSize)
	ringSize := sqRingSize
	if cqRingSize > ringSize {
		ringSize = cqRingSize
	}
	ringSize = (ringSize + pageSize - 1) &^ (pageSize - 1)

	ringMem, err := unix.Mmap(r.fd, 0, int(ringSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return errors.Wrap(err, "mmap sq/cq ring")
	}
	r.ringMem = ringMem

	sqeMem, err := unix.Mmap(r.fd, 0x10000000, int(params.sqEntries*sqeSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return errors.Wrap(err, "mmap sqe array")
	}
	r.sqeMem = sqeMem

	at := func(off uint32) unsafe.Pointer { return unsafe.Pointer(&r.ringMem[off]) }

	r.sqHead = (*uint32)(at(params.sqOff.head))
	r.sqTail = (*uint32)(at(params.sqOff.tail))
	r.sqMask = *(*uint32)(at(params.sqOff.ringMask))
	r.sqEntries = *(*uint32)(at(params.sqOff.ringEntries))
	r.sqFlags = (*uint32)(at(params.sqOff.flags))
	r.sqDropped = (*uint32)(at(params.sqOff.dropped))
	arrayPtr := (*uint32)(at(params.sqOff.arrayOrCqes))
	r.sqArray = unsafe.Slice(arrayPtr, params.sqEntries)
	r.sqes = unsafe.Slice((*sqe)(unsafe.Pointer(&r.sqeMem[0])), params.sqEntries)

	r.cqHead = (*uint32)(at(params.cqOff.head))
	r.cqTail = (*uint32)(at(params.cqOff.tail))
	r.cqMask = *(*uint32)(at(params.cqOff.ringMask))
	r.cqes = unsafe.Slice((*cqe)(at(params.cqOff.cqes)), *(*uint32)(at(params.cqOff.ringEntries)))

	return nil
}

// SubmitRead enqueues one IORING_OP_READ of buf into fd, tagged with
// userData so its completion can be matched back to the caller (kindling
// uses the watched fd itself as userData, since only one read is ever
// in flight per fd).
func (r *Ring) SubmitRead(fd int, buf []byte, userData uint64) error {
	tail := atomic.LoadUint32(r.sqTail)
	head := atomic.LoadUint32(r.sqHead)
	if tail-head >= r.sqEntries {
		return errors.New("ioring: submission queue full")
	}

	idx := tail & r.sqMask
	r.sqes[idx] = sqe{
		Opcode:   opRead,
		Fd:       int32(fd),
		Addr:     uint64(uintptr(unsafe.Pointer(&buf[0]))),
		Len:      uint32(len(buf)),
		UserData: userData,
	}
	r.sqArray[idx] = idx
	atomic.AddUint32(r.sqTail, 1)

	for {
		_, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.fd), 1, 0, 0, 0, 0)
		if errno == syscall.EINTR {
			continue
		}
		if errno != 0 {
			return errors.Wrap(errno, "io_uring_enter submit")
		}
		return nil
	}
}

// WaitCompletion blocks for the next completion and returns its userData
// and result (bytes read, or a negative errno). The caller must call
// AdvanceCompletion after consuming it.
func (r *Ring) WaitCompletion() (userData uint64, res int32, err error) {
	head := atomic.LoadUint32(r.cqHead)
	for atomic.LoadUint32(r.cqTail) == head {
		_, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.fd), 0, 1, enterGetevents, 0, 0)
		if errno == syscall.EINTR {
			continue
		}
		if errno != 0 {
			return 0, 0, errors.Wrap(errno, "io_uring_enter wait")
		}
	}
	c := r.cqes[head&r.cqMask]
	return c.UserData, c.Res, nil
}

// PeekCompletion is WaitCompletion's non-blocking counterpart: ok is false
// if nothing has completed yet.
func (r *Ring) PeekCompletion() (userData uint64, res int32, ok bool) {
	head := atomic.LoadUint32(r.cqHead)
	if atomic.LoadUint32(r.cqTail) == head {
		return 0, 0, false
	}
	c := r.cqes[head&r.cqMask]
	return c.UserData, c.Res, true
}

// AdvanceCompletion frees the oldest completion queue slot.
func (r *Ring) AdvanceCompletion() {
	atomic.AddUint32(r.cqHead, 1)
}

// Close unmaps both rings and closes the io_uring fd.
func (r *Ring) Close() error {
	runtime.SetFinalizer(r, nil)
	var firstErr error
	if r.ringMem != nil {
		if err := unix.Munmap(r.ringMem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.ringMem = nil
	}
	if r.sqeMem != nil {
		if err := unix.Munmap(r.sqeMem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.sqeMem = nil
	}
	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil && firstErr == nil {
			firstErr = err
		}
		r.fd = -1
	}
	return firstErr
}
