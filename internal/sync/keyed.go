package sync

import "sync"

// keyedRunner runs functions one at a time per key, in submission order.
// Each busy key is drained by its own goroutine; distinct keys run
// concurrently.
type keyedRunner struct {
	mu     sync.Mutex
	queues map[string][]func()
	wg     sync.WaitGroup
}

func newKeyedRunner() *keyedRunner {
	return &keyedRunner{queues: make(map[string][]func())}
}

// Go schedules fn behind any work already queued for key.
func (k *keyedRunner) Go(key string, fn func()) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if q, busy := k.queues[key]; busy {
		k.queues[key] = append(q, fn)
		return
	}
	k.queues[key] = nil
	k.wg.Add(1)
	go k.drain(key, fn)
}

func (k *keyedRunner) drain(key string, fn func()) {
	defer k.wg.Done()
	for {
		fn()

		k.mu.Lock()
		q := k.queues[key]
		if len(q) == 0 {
			delete(k.queues, key)
			k.mu.Unlock()
			return
		}
		fn = q[0]
		k.queues[key] = q[1:]
		k.mu.Unlock()
	}
}

// Busy reports whether key has running or queued work.
func (k *keyedRunner) Busy(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.queues[key]
	return ok
}

// Wait blocks until every key is drained.
func (k *keyedRunner) Wait() {
	k.wg.Wait()
}
