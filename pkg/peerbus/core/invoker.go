package core

import (
	"sync"
)

// Used to spawn and control all go routines created by the bus, so
// tests can wait for everything to settle before checking for leaks.
type Invoker interface {
	// Runs f on its own goroutine.
	Spawn(f func())

	// Blocks until every spawned routine returned.
	Stop()
}

type defaultInvoker struct {
	group *sync.WaitGroup
}

func (i *defaultInvoker) Spawn(f func()) {
	i.group.Add(1)
	go func() {
		defer i.group.Done()
		f()
	}()
}

func (i *defaultInvoker) Stop() {
	i.group.Wait()
}

var (
	invokerOnce sync.Once
	invoker     Invoker
)

// The process-wide invoker instance.
func InvokerInstance() Invoker {
	invokerOnce.Do(func() {
		invoker = &defaultInvoker{group: &sync.WaitGroup{}}
	})
	return invoker
}
