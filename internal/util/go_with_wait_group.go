package util

import "sync"

func GoWithWaitGroup(wg *sync.WaitGroup, fn func()) {
	if wg != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	} else {
		go fn()
	}
}
