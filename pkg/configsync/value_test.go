package configsync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitNewBlocksUntilPropose(t *testing.T) {
	v := New(0)

	done := make(chan int, 1)
	go func() {
		done <- v.WaitNew()
	}()

	// Give the goroutine a chance to block before proposing.
	time.Sleep(10 * time.Millisecond)
	v.Propose(42)

	select {
	case got := <-done:
		assert.Equal(t, 42, got)
	case <-time.After(time.Second):
		t.Fatal("WaitNew did not return after Propose")
	}
}

func TestOverlappingProposesCoalesce(t *testing.T) {
	v := New(0)
	v.Propose(1)
	v.Propose(2)
	v.Propose(3)

	assert.Equal(t, 3, v.WaitNew())
}

func TestCommitSuccessUpdatesCurr(t *testing.T) {
	v := New("initial")
	v.Propose("updated")
	_ = v.WaitNew()
	v.Commit(true)

	assert.Equal(t, "updated", v.WaitCurr())
	assert.Equal(t, "updated", v.Curr())
}

func TestCommitFailureLeavesCurrUnchanged(t *testing.T) {
	v := New("initial")
	v.Propose("rejected")
	_ = v.WaitNew()

	done := make(chan string, 1)
	go func() { done <- v.WaitCurr() }()
	time.Sleep(10 * time.Millisecond)

	v.Commit(false)

	select {
	case got := <-done:
		assert.Equal(t, "initial", got)
	case <-time.After(time.Second):
		t.Fatal("WaitCurr did not wake on failed commit")
	}
	assert.Equal(t, "initial", v.Curr())
}

func TestCommitWakesEveryBlockedWaitCurr(t *testing.T) {
	v := New(0)
	var wg sync.WaitGroup
	results := make([]int, 5)

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = v.WaitCurr()
		}(i)
	}
	time.Sleep(10 * time.Millisecond)

	v.Propose(7)
	_ = v.WaitNew()
	v.Commit(true)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all WaitCurr waiters woke up")
	}
	for _, r := range results {
		require.Equal(t, 7, r)
	}
}
