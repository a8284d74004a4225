// Package lazyseq stores and pools sequences of batches
// which are produced one timestep at a time.
package lazyseq

import (
	"sync"

	"github.com/unixpickle/anydiff/anyseq"
)

// A Tape is a non-differentiable sequence of batches which
// can be read while it is still being written.
//
// Like any other sequence, a Tape's timesteps all have the
// same number of entries in their Present lists, and a
// sequence which stops being present never comes back.
//
// Decoders use Tapes to record the tokens they emit, so
// that several readers can follow the decoding as it
// happens.
type Tape interface {
	// ReadTape generates a channel that is sent the
	// timesteps in the range [start, end).
	// If end is -1, the whole Tape is read.
	//
	// While the Tape is being written, the channel
	// receives new timesteps as they arrive.
	// Out of bounds parts of the range are ignored.
	ReadTape(start, end int) <-chan *anyseq.Batch
}

type referenceTape struct {
	lock      sync.Mutex
	timesteps []*anyseq.Batch
	done      bool
	nextWait  chan struct{}
}

// ReferenceTape creates a Tape which keeps a reference to
// every timestep written to it.
//
// Timesteps are written by sending them to the returned
// channel.
// The channel must be closed to finish the Tape.
func ReferenceTape() (Tape, chan<- *anyseq.Batch) {
	res := &referenceTape{nextWait: make(chan struct{})}
	inChan := make(chan *anyseq.Batch, 1)
	go res.readInputs(inChan)
	return res, inChan
}

func (r *referenceTape) ReadTape(start, end int) <-chan *anyseq.Batch {
	if start < 0 {
		panic("negative start index")
	} else if end < start && end != -1 {
		panic("invalid end index")
	}

	res := make(chan *anyseq.Batch, 1)
	go func() {
		defer close(res)
		for i := start; end == -1 || i < end; i++ {
			item, ok := r.waitFor(i)
			if !ok {
				return
			}
			res <- item
		}
	}()
	return res
}

// waitFor blocks until timestep i is written or the tape
// is finished.
func (r *referenceTape) waitFor(i int) (*anyseq.Batch, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for i >= len(r.timesteps) {
		if r.done {
			return nil, false
		}
		waiter := r.nextWait
		r.lock.Unlock()
		<-waiter
		r.lock.Lock()
	}
	return r.timesteps[i], true
}

func (r *referenceTape) readInputs(inChan <-chan *anyseq.Batch) {
	var lastPresent []bool
	for input := range inChan {
		if lastPresent != nil {
			checkPresentTransition(lastPresent, input.Present)
		}
		lastPresent = input.Present

		r.lock.Lock()
		r.timesteps = append(r.timesteps, input)
		close(r.nextWait)
		r.nextWait = make(chan struct{})
		r.lock.Unlock()
	}
	r.lock.Lock()
	r.done = true
	close(r.nextWait)
	r.lock.Unlock()
}

func checkPresentTransition(last, next []bool) {
	if len(last) != len(next) {
		panic("mismatching present map size")
	}
	for i, pres := range next {
		if pres && !last[i] {
			panic("absent sequence became present again")
		}
	}
}

// ReadAll reads every timestep of a Tape, blocking until
// the Tape is finished.
func ReadAll(t Tape) []*anyseq.Batch {
	var res []*anyseq.Batch
	for batch := range t.ReadTape(0, -1) {
		res = append(res, batch)
	}
	return res
}
