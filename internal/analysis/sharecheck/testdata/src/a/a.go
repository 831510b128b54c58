package a

type threadBound struct{}

func (*threadBound) Lock()   {}
func (*threadBound) Unlock() {}

type Pool struct {
	bound  threadBound
	handle uintptr
}

func NewPool() *Pool { return &Pool{handle: 1} }

func (p *Pool) SetTempMemory(size uint64) error { return nil }
func (p *Pool) RawHandle() uintptr              { return p.handle }
func (p *Pool) Close() error                    { return nil }
func (p *Pool) Borrow() View                    { return View{owner: p} }

// View is a non-owning reference; it is thread-bound through its owner.
type View struct {
	owner *Pool
}

type Plain struct {
	n int
}

func configure(p *Pool)  { _ = p.SetTempMemory(0) }
func configureView(View) {}

func movedIntoClosure() {
	p := NewPool()
	go func() {
		defer p.Close()
		configure(p)
	}()
}

func movedByArgument() {
	p := NewPool()
	go configure(p)
}

func handedOverChannel(ch chan *Pool) {
	p := NewPool()
	ch <- p
}

func sharedWithSpawner() {
	p := NewPool()
	go configure(p) // want `thread-bound p is shared with this goroutine and used again by its spawner at line 53`
	_ = p.SetTempMemory(1)
}

func sharedWithDefer() {
	p := NewPool()
	defer p.Close()
	go func() { // want `thread-bound p is shared with this goroutine while a deferred call of its spawner still uses it`
		configure(p)
	}()
}

func twoGoroutines() {
	p := NewPool()
	go configure(p) // want `thread-bound p is shared with this goroutine and used again by its spawner at line 67`
	go configure(p)
}

func sharedInLoop() {
	p := NewPool()
	for i := 0; i < 2; i++ {
		go configure(p) // want `thread-bound p declared outside the loop is shared with every goroutine the loop starts`
	}
}

func ownedPerIteration(pools []*Pool) {
	for i := 0; i < 2; i++ {
		p := NewPool()
		go func() { configure(p) }()
	}
	for _, p := range pools {
		go configure(p)
	}
}

func sharedView() {
	p := NewPool()
	v := View{owner: p}
	go configureView(v) // want `thread-bound v is shared with this goroutine and used again by its spawner at line 91`
	_ = v.owner.RawHandle()
}

func sharedInsideClosure() {
	run := func() {
		p := NewPool()
		go configure(p) // want `thread-bound p is shared with this goroutine and used again by its spawner at line 98`
		_ = p.Close()
	}
	run()
}

func notThreadBound() {
	x := Plain{n: 1}
	go func() { _ = x.n }()
	_ = x.n
}

func sharedThroughBorrow() {
	p := NewPool()
	b := p.Borrow()
	go configureView(b) // want `thread-bound b is shared with this goroutine and used again by its spawner through p at line 113`
	_ = p.SetTempMemory(1)
}

func sharedThroughCopy() {
	p := NewPool()
	q := p
	go configure(q) // want `thread-bound q is shared with this goroutine and used again by its spawner through p at line 120`
	_ = p.SetTempMemory(1)
}

func sentThenUsed(ch chan *Pool) {
	p := NewPool()
	ch <- p // want `thread-bound p is sent on a channel and used again by the sender at line 126`
	_ = p.SetTempMemory(1)
}

func sentWithDefer(ch chan *Pool) {
	p := NewPool()
	defer p.Close()
	ch <- p // want `thread-bound p is sent on a channel while a deferred call of the sender still uses it`
}

func sentInLoop(ch chan *Pool) {
	p := NewPool()
	for i := 0; i < 2; i++ {
		ch <- p // want `thread-bound p declared outside the loop is sent on every iteration`
	}
}

func borrowedPerIteration() {
	p := NewPool()
	for i := 0; i < 2; i++ {
		b := p.Borrow()
		go configureView(b) // want `thread-bound p declared outside the loop is shared with every goroutine the loop starts`
	}
}

func borrowedThenMoved() {
	p := NewPool()
	b := p.Borrow()
	go func() {
		configureView(b)
		_ = p.Close()
	}()
}
