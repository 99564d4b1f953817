// Package reactor implements the fixed-size worker pool and
// per-session strand of spec §4.2. The original source runs every
// session's handlers on a boost::asio strand wrapped around a shared
// io_context thread pool, which guarantees two things a Go
// implementation has to provide some other way: (1) a session's own
// callbacks never run concurrently with each other, and (2) the
// total number of OS threads doing work is bounded regardless of how
// many sessions are open.
//
// Grounded on tenant/manager.go's channel-as-semaphore idiom
// (`child.avail`, a buffered channel used purely for its blocking
// receive/send, not for the values it carries) generalized into a
// FIFO job queue per session draining into a shared worker Pool.
package reactor

import "sync"

// Pool is a fixed number of worker goroutines draining a shared job
// queue. It has no notion of sessions; Strand is what gives a
// sequence of jobs submitted to a Pool the single-owner, one-at-a-time
// guarantee spec §4.2 calls a strand.
type Pool struct {
	jobs chan func()
	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// NewPool starts a Pool of the given number of workers. size must be
// at least 1.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		jobs: make(chan func(), 1024),
		stop: make(chan struct{}),
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			job()
		case <-p.stop:
			return
		}
	}
}

// submit hands job to a worker. It never blocks the caller beyond the
// pool's internal queue depth: a Strand never calls submit from more
// than one goroutine's perspective at a time (see Strand.Post and
// Strand.wrap),
// so no pool-side fairness issue can starve a session.
func (p *Pool) submit(job func()) {
	select {
	case p.jobs <- job:
	case <-p.stop:
	}
}

// Close stops accepting new work and waits for in-flight jobs to
// finish. Jobs still queued inside a Strand that never got submitted
// are simply dropped.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
}

// Strand serializes a sequence of jobs belonging to one session onto
// a shared Pool: jobs run one at a time, in the order they were
// posted, never concurrently with each other, regardless of which
// pool worker happens to run them.
type Strand struct {
	pool *Pool

	mu      sync.Mutex
	queue   []func()
	running bool
}

// NewStrand returns a Strand that dispatches its jobs onto pool.
func NewStrand(pool *Pool) *Strand {
	return &Strand{pool: pool}
}

// Post appends job to the strand's queue. If the strand is idle, job
// (or the job now at the head of the queue) is submitted to the pool
// immediately; otherwise it waits for the job currently running on
// this strand to finish.
func (s *Strand) Post(job func()) {
	s.mu.Lock()
	s.queue = append(s.queue, job)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	next := s.dequeueLocked()
	s.mu.Unlock()
	s.pool.submit(s.wrap(next))
}

// dequeueLocked pops the head job. Caller holds s.mu.
func (s *Strand) dequeueLocked() func() {
	job := s.queue[0]
	s.queue = s.queue[1:]
	return job
}

// wrap runs job and then, if more jobs are queued, submits the next
// one — this is what gives the strand its one-at-a-time FIFO
// guarantee without holding a lock for the job's own duration.
func (s *Strand) wrap(job func()) func() {
	return func() {
		job()
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		next := s.dequeueLocked()
		s.mu.Unlock()
		s.pool.submit(s.wrap(next))
	}
}

// Pending reports how many jobs are queued or in flight on this
// strand, for tests and diagnostics.
func (s *Strand) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	if s.running {
		n++
	}
	return n
}
