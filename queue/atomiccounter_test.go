package queue_test

import (
	"sync"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/cms-dev/judgecore/ci"
	"github.com/cms-dev/judgecore/queue"
)

func TestAtomicCounter_GetAndAdd(t *testing.T) {
	ci.Parallel(t)
	var c queue.AtomicCounter
	must.Eq(t, 0, c.Get())
	must.Eq(t, 0, c.GetAndAdd(5))
	must.Eq(t, 5, c.Get())
	must.Eq(t, 5, c.GetAndAdd(-5))
	must.Eq(t, 0, c.Get())
}

func TestAtomicCounter_ConcurrentIncrDecr(t *testing.T) {
	var c queue.AtomicCounter
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Incr()
		}()
	}
	wg.Wait()
	must.Eq(t, 100, c.Get())

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Decr()
		}()
	}
	wg.Wait()
	must.Eq(t, 0, c.Get())
}
