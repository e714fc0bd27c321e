package tasks

import (
	"sync"
	"testing"
)

func TestKeyedMutexSerialisesPerKey(t *testing.T) {
	km := newKeyedMutex()
	keys := []string{"a", "b"}
	counts := make([]int, len(keys))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for k := range keys {
			wg.Add(1)
			go func(k int) {
				defer wg.Done()
				unlock := km.Lock(keys[k])
				counts[k]++
				unlock()
			}(k)
		}
	}
	wg.Wait()
	if counts[0] != 50 || counts[1] != 50 {
		t.Fatalf("unexpected counts %v", counts)
	}
	if km.size() != 0 {
		t.Fatalf("expected entries to be released, %d left", km.size())
	}
}
