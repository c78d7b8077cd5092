package asyncio

import "sync"

// SyncTarget is the plain-backend shape a syncRing executes requests
// against: the same three methods every interfaces.Backend already has.
type SyncTarget interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Flush() error
}

// syncRing implements Ring by running every staged request synchronously
// against a single SyncTarget, for backends that don't expose a raw file
// descriptor for real io_uring submission (an in-memory device, or any
// backend under test). Request.FD is ignored: a sync ring always targets
// the one backend it was built for.
type syncRing struct {
	mu      sync.Mutex
	target  SyncTarget
	staged  []Request
	results []Result
}

// NewSyncRing returns a Ring backed by plain ReadAt/WriteAt/Flush calls
// instead of a kernel io_uring instance.
func NewSyncRing(target SyncTarget) Ring {
	return &syncRing{target: target}
}

func (r *syncRing) Close() error { return nil }

func (r *syncRing) Prepare(req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staged = append(r.staged, req)
	return nil
}

// Submit executes every staged request immediately and stages its result
// for the next WaitForCompletion, matching Prepare/Submit/WaitForCompletion
// call order without actually overlapping IO.
func (r *syncRing) Submit() (uint32, error) {
	r.mu.Lock()
	reqs := r.staged
	r.staged = nil
	r.mu.Unlock()

	for _, req := range reqs {
		res := Result{UserData: req.UserData}
		var n int
		var err error
		switch req.Op {
		case OpRead:
			n, err = r.target.ReadAt(req.Buf, int64(req.Offset))
		case OpWrite:
			n, err = r.target.WriteAt(req.Buf, int64(req.Offset))
		case OpFsync:
			err = r.target.Flush()
		}
		if err != nil {
			res.Res = -1
			res.Err = err
		} else {
			res.Res = int32(n)
		}
		r.mu.Lock()
		r.results = append(r.results, res)
		r.mu.Unlock()
	}
	return uint32(len(reqs)), nil
}

func (r *syncRing) WaitForCompletion(minComplete int) ([]Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.results
	r.results = nil
	return res, nil
}
