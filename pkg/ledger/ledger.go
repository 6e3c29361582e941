package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Options tunes the writer.
type Options struct {
	// QueueDepth bounds the append queue. Zero means DefaultQueueDepth.
	QueueDepth int
	// OnOverflow is invoked from the submitting goroutine when an append
	// finds the queue full. The dropped count is cumulative.
	OnOverflow func(dropped uint64)
}

// DefaultQueueDepth bounds the append queue when Options leaves it zero.
const DefaultQueueDepth = 256

type appendReq struct {
	entryType EntryType
	payload   json.RawMessage
	done      chan appendRes
}

type appendRes struct {
	entry *Entry
	err   error
}

// Ledger is the single writer over a Backend. All appends funnel through one
// goroutine so sequence numbers and prev_hash linkage never race; callers
// block until their entry is durable.
type Ledger struct {
	session string
	backend Backend
	opts    Options

	mu      sync.RWMutex
	entries []*Entry
	nextSeq uint64
	head    string

	queue     chan appendReq
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	dropped   atomic.Uint64

	now    func() time.Time
	logger *slog.Logger
}

// Open loads and verifies any existing chain from the backend, then starts
// the writer. A chain that fails verification refuses to open; appending to
// a broken chain would launder the corruption.
func Open(ctx context.Context, session string, backend Backend, opts Options) (*Ledger, error) {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	entries, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	if err := VerifyEntries(entries, GenesisHash); err != nil {
		return nil, err
	}

	l := &Ledger{
		session: session,
		backend: backend,
		opts:    opts,
		entries: entries,
		nextSeq: uint64(len(entries)),
		head:    GenesisHash,
		queue:   make(chan appendReq, opts.QueueDepth),
		closed:  make(chan struct{}),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.Default().With("component", "ledger"),
	}
	if n := len(entries); n > 0 {
		l.head = entries[n-1].ThisHash
	}

	l.wg.Add(1)
	go l.writeLoop()
	return l, nil
}

// writeLoop is the single writer. The queue channel is never closed; Close
// signals through the closed channel and the loop drains whatever producers
// enqueued before the signal.
func (l *Ledger) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case req := <-l.queue:
			entry, err := l.write(req.entryType, req.payload)
			req.done <- appendRes{entry: entry, err: err}
		case <-l.closed:
			for {
				select {
				case req := <-l.queue:
					entry, err := l.write(req.entryType, req.payload)
					req.done <- appendRes{entry: entry, err: err}
				default:
					return
				}
			}
		}
	}
}

func (l *Ledger) write(entryType EntryType, payload json.RawMessage) (*Entry, error) {
	l.mu.RLock()
	seq, prev := l.nextSeq, l.head
	l.mu.RUnlock()

	e := &Entry{
		Sequence:  seq,
		Timestamp: l.now(),
		EntryType: entryType,
		Session:   l.session,
		Payload:   payload,
		PrevHash:  prev,
	}
	if err := seal(e); err != nil {
		return nil, fmt.Errorf("%w: seal entry %d: %v", ErrWrite, seq, err)
	}
	if err := l.backend.Persist(context.Background(), e); err != nil {
		l.logger.Error("persist failed", "sequence", seq, "entry_type", entryType, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrWrite, err)
	}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.nextSeq = seq + 1
	l.head = e.ThisHash
	l.mu.Unlock()
	return e, nil
}

// Append marshals the payload, seals the next entry, and blocks until it is
// durable. A full queue does not block the caller; it returns ErrOverflow
// immediately and fires OnOverflow so the monitor can raise its own finding.
func (l *Ledger) Append(ctx context.Context, entryType EntryType, payload any) (*Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload: %v", ErrWrite, err)
	}

	req := appendReq{entryType: entryType, payload: raw, done: make(chan appendRes, 1)}
	select {
	case <-l.closed:
		return nil, ErrClosed
	case l.queue <- req:
	default:
		n := l.dropped.Add(1)
		if l.opts.OnOverflow != nil {
			l.opts.OnOverflow(n)
		}
		return nil, fmt.Errorf("%w: queue full (%d dropped)", ErrOverflow, n)
	}

	select {
	case res := <-req.done:
		return res.entry, res.err
	case <-ctx.Done():
		// The writer will still persist the entry; only the caller gave up.
		return nil, ctx.Err()
	case <-l.closed:
		// Shutdown raced this append; the drain may still persist it, but
		// durability can no longer be confirmed to this caller.
		return nil, ErrClosed
	}
}

// Head returns the current chain head hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Len returns the number of sealed entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Dropped returns the cumulative overflow count.
func (l *Ledger) Dropped() uint64 {
	return l.dropped.Load()
}

// Entries returns sealed entries in [from, to]; to < 0 means through the end.
func (l *Ledger) Entries(from uint64, to int64) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from >= uint64(len(l.entries)) {
		return nil
	}
	end := len(l.entries)
	if to >= 0 && int(to)+1 < end {
		end = int(to) + 1
	}
	out := make([]*Entry, end-int(from))
	copy(out, l.entries[from:end])
	return out
}

// Verify recomputes the chain over [from, to]; to < 0 means through the end.
func (l *Ledger) Verify(from uint64, to int64) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from >= uint64(len(l.entries)) {
		return nil
	}
	startPrev := GenesisHash
	if from > 0 {
		startPrev = l.entries[from-1].ThisHash
	}
	end := len(l.entries)
	if to >= 0 && int(to)+1 < end {
		end = int(to) + 1
	}
	return VerifyEntries(l.entries[from:end], startPrev)
}

// Close drains pending appends, stops the writer, and closes the backend.
// Safe to call concurrently with Append and with itself.
func (l *Ledger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		l.wg.Wait()
		err = l.backend.Close()
	})
	return err
}
