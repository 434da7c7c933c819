// Package shm manages named shared memory segments backed by files in a
// tmpfs directory. A segment carries a small header, an attachment table of
// liveness tokens and a user area whose layout belongs to the caller.
//
// Every participant that maps a segment attaches to it. The segment file is
// unlinked when the last attachment goes away, either through Detach or
// through a sweeper reclaiming the attachments of a dead process.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cespare/xxhash/v2"

	"gosuda.org/shmbus/internal/liveness"
	"gosuda.org/shmbus/internal/protocol"
)

var (
	ErrSizeConflict = errors.New("shm: segment exists with a different size")
	ErrPermission   = errors.New("shm: permission denied")
	ErrExhausted    = errors.New("shm: backing storage exhausted")
	ErrDestroyed    = errors.New("shm: segment destroyed")
	ErrNotReady     = errors.New("shm: segment not initialized in time")
	ErrCorrupted    = errors.New("shm: corrupted segment header")
	ErrNotFound     = errors.New("shm: segment not found")
	ErrNoSlots      = errors.New("shm: attachment table full")
)

const (
	headerSize     = 128
	attachmentSize = 64
	pageSize       = 4096

	destroyedBit = 1 << 63
)

// header sits at offset 0 of every segment.
type header struct {
	magic        uint64
	version      uint32
	ready        uint32
	size         uint64 // total file size
	createdAt    int64
	creatorPID   uint32
	attachCap    uint32
	creatorStart uint64
	users        uint64 // attachment count | destroyedBit
	userOff      uint64
	tag          uint64
	_            [headerSize - 72]byte
}

type attachment struct {
	state uint64 // protocol.StateWord
	pid   uint32
	_     uint32
	start uint64
	owner uint64 // protocol.Handle of the owning node
	since int64
	_     [attachmentSize - 40]byte
}

// Attachment is a copy of one attachment table entry.
type Attachment struct {
	Slot       int
	Generation uint64
	Token      liveness.Token
	Owner      protocol.Handle
	Since      time.Time
}

// Options tune CreateOrOpen and Open.
type Options struct {
	Dir           string
	AttachSlots   int
	AttachTimeout time.Duration
	Probe         liveness.Probe
	Mode          os.FileMode

	// Init lays out the user area of a freshly created segment. It runs
	// before the segment is published, so openers never observe a
	// partially initialized user area.
	Init func(user []byte) error

	// Tag is stamped into segments this handle creates. A non-zero Tag
	// makes Join refuse live segments stamped with another tag.
	Tag uint64

	// Retire runs with the segment's tag once the segment is destroyed and
	// before its file is unlinked, by whoever finishes the destruction.
	Retire func(tag uint64)
}

func (o Options) withDefaults() Options {
	if o.Dir == "" {
		o.Dir = DefaultDir()
	}
	if o.AttachSlots <= 0 {
		o.AttachSlots = 64
	}
	if o.AttachTimeout <= 0 {
		o.AttachTimeout = time.Second
	}
	if o.Probe == nil {
		o.Probe = liveness.ProcessProbe{}
	}
	if o.Mode == 0 {
		o.Mode = 0o600
	}
	return o
}

// DefaultDir returns /dev/shm when it exists and os.TempDir() otherwise.
func DefaultDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Name builds the deterministic file name of a segment. An empty key yields
// prefix+kind; otherwise a 64-bit hash of the key is appended so arbitrary
// service names map to safe, fixed-length file names.
func Name(prefix, kind, key string) string {
	if key == "" {
		return prefix + kind
	}
	return fmt.Sprintf("%s%s_%016x", prefix, kind, xxhash.Sum64String(key))
}

// Segment is a mapped shared memory segment.
type Segment struct {
	name    string
	path    string
	file    *os.File
	mem     []byte
	hdr     *header
	created bool
	retire  func(tag uint64)

	// own attachment, -1 when not attached
	slot int
	gen  uint64
}

// Size returns the total size of a segment whose user area is userSize bytes
// and whose attachment table has slots entries.
func Size(userSize uintptr, slots int) uintptr {
	return userOffset(slots) + userSize
}

func userOffset(slots int) uintptr {
	return protocol.Align(headerSize+uintptr(slots)*attachmentSize, pageSize)
}

// Name returns the segment name.
func (s *Segment) Name() string { return s.name }

// Path returns the backing file path.
func (s *Segment) Path() string { return s.path }

// Created reports whether this handle created the segment.
func (s *Segment) Created() bool { return s.created }

// CreatedAt returns the creation time recorded in the header.
func (s *Segment) CreatedAt() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.hdr.createdAt))
}

// Bytes returns the user area.
func (s *Segment) Bytes() []byte {
	return s.mem[s.hdr.userOff:]
}

// Base returns the address of the user area.
func (s *Segment) Base() unsafe.Pointer {
	return unsafe.Pointer(&s.mem[s.hdr.userOff])
}

// Users returns the number of live attachments.
func (s *Segment) Users() int {
	return int(atomic.LoadUint64(&s.hdr.users) &^ destroyedBit)
}

// Destroyed reports whether the last attachment is gone.
func (s *Segment) Destroyed() bool {
	return atomic.LoadUint64(&s.hdr.users)&destroyedBit != 0
}

// Tag returns the tag the segment was created with.
func (s *Segment) Tag() uint64 {
	return atomic.LoadUint64(&s.hdr.tag)
}

// Slot returns this handle's attachment slot, or -1.
func (s *Segment) Slot() int { return s.slot }

func (s *Segment) attachment(i int) *attachment {
	off := headerSize + uintptr(i)*attachmentSize
	return (*attachment)(unsafe.Pointer(&s.mem[off]))
}

// CreateOrOpen creates the segment name with a user area of size bytes, or
// opens it if it already exists. Opening fails with ErrSizeConflict when the
// existing segment has a different size.
func CreateOrOpen(name string, size uintptr, opts Options) (*Segment, error) {
	opts = opts.withDefaults()
	path := filepath.Join(opts.Dir, name)
	total := Size(size, opts.AttachSlots)

	for attempt := 0; ; attempt++ {
		seg, err := create(name, path, total, opts)
		if err == nil {
			return seg, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}

		seg, err = open(name, path, opts, time.Now().Add(opts.AttachTimeout))
		switch {
		case err == nil:
			if seg.Destroyed() {
				// a previous incarnation on its way out
				seg.finishDestroy()
				seg.unmap()
				if attempt < maxOpenAttempts {
					continue
				}
				return nil, fmt.Errorf("%w: %s", ErrDestroyed, name)
			}
			if opts.Tag != 0 && seg.Tag() != opts.Tag {
				tag := seg.Tag()
				seg.unmap()
				return nil, fmt.Errorf("%w: %s carries tag %#x, want %#x", errForeign, name, tag, opts.Tag)
			}
			if seg.hdr.size != uint64(total) {
				size := seg.hdr.size
				seg.unmap()
				return nil, fmt.Errorf("%w: %s has %d bytes, want %d", ErrSizeConflict, name, size, total)
			}
			return seg, nil
		case errors.Is(err, errStale):
			// a dead creator's leftovers were removed
		case errors.Is(err, ErrNotFound) && attempt < maxOpenAttempts:
			// unlinked between our create and open
		default:
			return nil, err
		}
	}
}

const maxOpenAttempts = 64

// Join creates or opens a segment and attaches tok to it, retrying when it
// races with the destruction of a previous incarnation of the segment.
func Join(name string, size uintptr, opts Options, tok liveness.Token, owner protocol.Handle) (*Segment, error) {
	opts = opts.withDefaults()
	deadline := time.Now().Add(opts.AttachTimeout)
	for {
		seg, err := CreateOrOpen(name, size, opts)
		if err == nil {
			if _, err = seg.Attach(tok, owner); err == nil {
				return seg, nil
			}
			if errors.Is(err, ErrDestroyed) {
				seg.finishDestroy()
			}
			seg.unmap()
		}
		if !errors.Is(err, ErrDestroyed) && !errors.Is(err, errForeign) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s: %w", ErrNotReady, name, err)
		}
		// Either the destroyer is about to unlink, or the live segment
		// belongs to another tag whose users are leaving.
		time.Sleep(100 * time.Microsecond)
	}
}

// Open maps an existing, initialized segment without creating it.
func Open(name string, opts Options) (*Segment, error) {
	opts = opts.withDefaults()
	path := filepath.Join(opts.Dir, name)
	seg, err := open(name, path, opts, time.Now().Add(opts.AttachTimeout))
	if errors.Is(err, errStale) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return seg, err
}

// Exists reports whether a segment file is present.
func Exists(name string, opts Options) bool {
	opts = opts.withDefaults()
	_, err := os.Stat(filepath.Join(opts.Dir, name))
	return err == nil
}

// Remove unlinks a segment file regardless of attachments. Mappings stay
// valid; later openers create a fresh segment.
func Remove(name string, opts Options) error {
	opts = opts.withDefaults()
	err := os.Remove(filepath.Join(opts.Dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

var (
	errStale   = errors.New("shm: stale segment removed")
	errForeign = errors.New("shm: segment belongs to another tag")
)

func create(name, path string, total uintptr, opts Options) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, opts.Mode)
	if err != nil {
		return nil, classify(err, path)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := reserve(file, int64(total)); err != nil {
		cleanup()
		return nil, classify(err, path)
	}

	mem, err := mmapFile(file, int(total))
	if err != nil {
		cleanup()
		return nil, classify(err, path)
	}

	seg := &Segment{
		name:    name,
		path:    path,
		file:    file,
		mem:     mem,
		hdr:     (*header)(unsafe.Pointer(&mem[0])),
		created: true,
		retire:  opts.Retire,
		slot:    -1,
	}

	// Creator identity goes first so a half-built segment of a dead
	// creator can be recognized and removed by openers.
	self := liveness.Self()
	atomic.StoreUint64(&seg.hdr.creatorStart, self.Start)
	atomic.StoreUint32(&seg.hdr.creatorPID, self.PID)

	seg.hdr.magic = protocol.MagicSegment
	seg.hdr.version = protocol.Version
	seg.hdr.size = uint64(total)
	seg.hdr.createdAt = time.Now().UnixNano()
	seg.hdr.attachCap = uint32(opts.AttachSlots)
	seg.hdr.userOff = uint64(userOffset(opts.AttachSlots))
	seg.hdr.tag = opts.Tag
	if opts.Init != nil {
		if err := opts.Init(seg.Bytes()); err != nil {
			seg.unmap()
			os.Remove(path)
			return nil, err
		}
	}
	atomic.StoreUint32(&seg.hdr.ready, 1)
	return seg, nil
}

// open maps path once its creator has published the header. A segment whose
// creator died before publishing it is removed and errStale returned.
func open(name, path string, opts Options, deadline time.Time) (*Segment, error) {
	backoff := 50 * time.Microsecond
	for {
		seg, err := tryOpen(name, path)
		if err == nil {
			seg.retire = opts.Retire
			if atomic.LoadUint32(&seg.hdr.ready) == 1 {
				if seg.hdr.magic != protocol.MagicSegment || seg.hdr.version != protocol.Version {
					seg.unmap()
					return nil, fmt.Errorf("%w: %s", ErrCorrupted, name)
				}
				return seg, nil
			}
		} else if !errors.Is(err, errShort) {
			return nil, err
		}

		if time.Now().After(deadline) {
			// A file that never got sized, or whose creator is gone, is
			// garbage from a crashed creator.
			stale := seg == nil || creatorDead(seg, opts.Probe)
			if seg != nil {
				seg.unmap()
			}
			if !stale {
				return nil, fmt.Errorf("%w: %s", ErrNotReady, name)
			}
			os.Remove(path)
			return nil, errStale
		}
		if seg != nil {
			seg.unmap()
		}
		time.Sleep(backoff)
		backoff = min(backoff*2, 10*time.Millisecond)
	}
}

var errShort = errors.New("shm: segment not yet sized")

func tryOpen(name, path string) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, classify(err, path)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, classify(err, path)
	}
	if info.Size() < headerSize {
		file.Close()
		return nil, errShort
	}

	mem, err := mmapFile(file, int(info.Size()))
	if err != nil {
		file.Close()
		return nil, classify(err, path)
	}
	return &Segment{
		name: name,
		path: path,
		file: file,
		mem:  mem,
		hdr:  (*header)(unsafe.Pointer(&mem[0])),
		slot: -1,
	}, nil
}

func creatorDead(seg *Segment, probe liveness.Probe) bool {
	pid := atomic.LoadUint32(&seg.hdr.creatorPID)
	if pid == 0 {
		// crashed before recording itself
		return true
	}
	tok := liveness.Token{PID: pid, Start: atomic.LoadUint64(&seg.hdr.creatorStart)}
	return probe.Probe(tok) == liveness.Dead
}

func classify(err error, path string) error {
	switch {
	case errors.Is(err, os.ErrExist):
		return err
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %s: %w", ErrPermission, path, err)
	case isNoSpace(err):
		return fmt.Errorf("%w: %s: %w", ErrExhausted, path, err)
	}
	return fmt.Errorf("shm: %s: %w", path, err)
}

// Attach records tok as a user of the segment and returns the attachment
// slot. It fails with ErrDestroyed once the last user has detached.
func (s *Segment) Attach(tok liveness.Token, owner protocol.Handle) (int, error) {
	if s.Destroyed() {
		return -1, ErrDestroyed
	}
	// The slot is filled in before the user count moves, so a crash in
	// between leaves a Writing entry and no phantom user.
	for i := range int(s.hdr.attachCap) {
		a := s.attachment(i)
		w := protocol.StateWord(atomic.LoadUint64(&a.state))
		if w.State() != protocol.SlotFree {
			continue
		}
		writing := w.With(protocol.SlotWriting)
		if !atomic.CompareAndSwapUint64(&a.state, uint64(w), uint64(writing)) {
			continue
		}
		atomic.StoreUint64(&a.owner, uint64(owner))
		atomic.StoreUint32(&a.pid, tok.PID)
		atomic.StoreUint64(&a.start, tok.Start)
		atomic.StoreInt64(&a.since, time.Now().UnixNano())

		if !s.acquire() {
			atomic.StoreUint64(&a.state, uint64(writing.Next(protocol.SlotFree)))
			return -1, ErrDestroyed
		}
		atomic.StoreUint64(&a.state, uint64(writing.With(protocol.SlotActive)))
		s.slot, s.gen = i, w.Generation()
		return i, nil
	}
	return -1, fmt.Errorf("%w: %s", ErrNoSlots, s.name)
}

// acquire adds one user unless the segment is already destroyed.
func (s *Segment) acquire() bool {
	for {
		u := atomic.LoadUint64(&s.hdr.users)
		if u&destroyedBit != 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(&s.hdr.users, u, u+1) {
			return true
		}
	}
}

// SetOwner records owner on this handle's attachment, for callers that learn
// their owning node only after attaching.
func (s *Segment) SetOwner(owner protocol.Handle) {
	if s.slot >= 0 {
		atomic.StoreUint64(&s.attachment(s.slot).owner, uint64(owner))
	}
}

// Detach drops this handle's attachment and unmaps the segment. The backing
// file is unlinked when this was the last attachment.
func (s *Segment) Detach() (destroyed bool, err error) {
	if s.slot >= 0 {
		destroyed, err = s.Reclaim(s.slot, s.gen)
		s.slot = -1
	}
	if uerr := s.unmap(); err == nil {
		err = uerr
	}
	return destroyed, err
}

// Close unmaps the segment without touching its attachment table. A handle
// that is closed instead of detached looks exactly like a crashed process.
func (s *Segment) Close() error {
	s.slot = -1
	return s.unmap()
}

// Reclaim frees attachment slot at generation gen on behalf of its owner.
// It is idempotent: only the caller whose CAS frees the slot drops the user
// count.
func (s *Segment) Reclaim(slot int, gen uint64) (destroyed bool, err error) {
	if slot < 0 || slot >= int(s.hdr.attachCap) {
		return false, fmt.Errorf("%w: attachment slot %d", ErrCorrupted, slot)
	}
	_, destroyed = s.reclaim(slot, gen)
	return destroyed, nil
}

func (s *Segment) reclaim(slot int, gen uint64) (freed, destroyed bool) {
	a := s.attachment(slot)
	for {
		w := protocol.StateWord(atomic.LoadUint64(&a.state))
		// Entries still being written are left alone: their owner field
		// may belong to the previous occupant.
		if w.Generation() != gen || w.State() != protocol.SlotActive {
			return false, false
		}
		if atomic.CompareAndSwapUint64(&a.state, uint64(w), uint64(w.Next(protocol.SlotFree))) {
			return true, s.release()
		}
	}
}

// ReclaimOwner frees every attachment owned by node and returns how many were
// freed.
func (s *Segment) ReclaimOwner(node protocol.Handle) (n int, destroyed bool) {
	for i := range int(s.hdr.attachCap) {
		a := s.attachment(i)
		w := protocol.StateWord(atomic.LoadUint64(&a.state))
		if w.State() != protocol.SlotActive || protocol.Handle(atomic.LoadUint64(&a.owner)) != node {
			continue
		}
		freed, d := s.reclaim(i, w.Generation())
		if freed {
			n++
		}
		destroyed = destroyed || d
	}
	return n, destroyed
}

// release drops one user and unlinks the file when it was the last one.
func (s *Segment) release() bool {
	for {
		u := atomic.LoadUint64(&s.hdr.users)
		next := u - 1
		if next&^destroyedBit == 0 {
			next |= destroyedBit
		}
		if atomic.CompareAndSwapUint64(&s.hdr.users, u, next) {
			if next&destroyedBit != 0 && u&destroyedBit == 0 {
				s.finishDestroy()
				return true
			}
			return false
		}
	}
}

// Attachments returns a snapshot of the occupied attachment slots.
func (s *Segment) Attachments() []Attachment {
	var out []Attachment
	for i := range int(s.hdr.attachCap) {
		a := s.attachment(i)
		w := protocol.StateWord(atomic.LoadUint64(&a.state))
		if w.State() != protocol.SlotActive {
			continue
		}
		out = append(out, Attachment{
			Slot:       i,
			Generation: w.Generation(),
			Token: liveness.Token{
				PID:   atomic.LoadUint32(&a.pid),
				Start: atomic.LoadUint64(&a.start),
			},
			Owner: protocol.Handle(atomic.LoadUint64(&a.owner)),
			Since: time.Unix(0, atomic.LoadInt64(&a.since)),
		})
	}
	return out
}

// finishDestroy retires a destroyed segment and then unlinks its file. It is
// run by the destroyer, and by openers that find a destroyer died between
// marking and unlinking; both steps tolerate running twice.
func (s *Segment) finishDestroy() {
	if s.retire != nil {
		s.retire(s.Tag())
	}
	s.removeIfCurrent()
}

// removeIfCurrent unlinks the path if it still names this segment's file.
func (s *Segment) removeIfCurrent() {
	mine, err := s.file.Stat()
	if err != nil {
		return
	}
	cur, err := os.Stat(s.path)
	if err == nil && os.SameFile(mine, cur) {
		os.Remove(s.path)
	}
}

func (s *Segment) unmap() error {
	if s.mem == nil {
		return nil
	}
	err := munmap(s.mem)
	s.mem, s.hdr = nil, nil
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// String implements fmt.Stringer.
func (s *Segment) String() string {
	return s.name + "@" + strconv.Itoa(len(s.mem))
}
