package agent

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLockTestAssistant() *Assistant {
	return &Assistant{locks: make(map[string]*conversationLock)}
}

func TestConversationLock_EvictsOnRelease(t *testing.T) {
	a := newLockTestAssistant()

	l := a.lockConversation("conv-1")
	a.locksMu.Lock()
	assert.Len(t, a.locks, 1)
	a.locksMu.Unlock()

	a.unlockConversation("conv-1", l)

	a.locksMu.Lock()
	assert.Empty(t, a.locks, "released lock should be evicted")
	a.locksMu.Unlock()
}

func TestConversationLock_KeptWhileWaitersQueue(t *testing.T) {
	a := newLockTestAssistant()

	first := a.lockConversation("conv-1")

	acquired := make(chan *conversationLock)
	go func() {
		acquired <- a.lockConversation("conv-1")
	}()

	// Wait for the second caller to register as a waiter.
	for {
		a.locksMu.Lock()
		l, ok := a.locks["conv-1"]
		refs := 0
		if ok {
			refs = l.refs
		}
		a.locksMu.Unlock()
		require.True(t, ok, "entry must not be evicted while a waiter queues")
		if refs == 2 {
			break
		}
	}

	a.unlockConversation("conv-1", first)
	second := <-acquired
	a.unlockConversation("conv-1", second)

	a.locksMu.Lock()
	assert.Empty(t, a.locks)
	a.locksMu.Unlock()
}

func TestConversationLock_ManyConversationsLeaveNoResidue(t *testing.T) {
	a := newLockTestAssistant()

	var wg sync.WaitGroup
	ids := []string{"a", "b", "c", "d"}
	for i := 0; i < 100; i++ {
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				l := a.lockConversation(id)
				a.unlockConversation(id, l)
			}(id)
		}
	}
	wg.Wait()

	a.locksMu.Lock()
	assert.Empty(t, a.locks)
	a.locksMu.Unlock()
}
