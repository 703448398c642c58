package bot

import "sync"

// WorkerPool bounds how many inbound messages are processed concurrently.
type WorkerPool struct {
	slots chan struct{}
	wg    sync.WaitGroup
}

func NewWorkerPool(size int) *WorkerPool {
	return &WorkerPool{slots: make(chan struct{}, size)}
}

func (p *WorkerPool) Submit(task func()) {
	p.wg.Add(1)
	p.slots <- struct{}{}

	go func() {
		defer func() {
			<-p.slots
			p.wg.Done()
		}()
		task()
	}()
}

func (p *WorkerPool) Wait() {
	p.wg.Wait()
}
