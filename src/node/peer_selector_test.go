package node

import (
	"testing"
	"time"
)

func TestLeastLoadedSelector(t *testing.T) {
	peers := map[uint64]*syncPeer{
		1: {id: 1, startHeight: 10},
		2: {id: 2, startHeight: 30},
		3: {id: 3, startHeight: 20},
	}
	penalties := map[uint64]int{}
	ps := NewLeastLoadedSelector(peers, func(id uint64) int { return penalties[id] }, 2)

	if p := ps.Next(nil); p.id != 1 {
		t.Fatalf("Next should return the lowest id on ties, got %d", p.id)
	}

	peers[1].inFlight = 1
	if p := ps.Next(nil); p.id != 2 {
		t.Fatalf("Next should skip loaded peers, got %d", p.id)
	}

	penalties[2] = 10
	if p := ps.Next(nil); p.id != 3 {
		t.Fatalf("Next should skip penalized peers, got %d", p.id)
	}

	peers[1].inFlight = 2
	peers[2].inFlight = 2
	peers[3].inFlight = 2
	if p := ps.Next(nil); p != nil {
		t.Fatalf("Next should return nil when every peer is full, got %d", p.id)
	}

	peers[3].inFlight = 0
	if p := ps.Next(map[uint64]bool{3: true}); p != nil {
		t.Fatalf("Next should honour exclusions, got %d", p.id)
	}

	if p := ps.Headers(nil); p.id != 3 {
		t.Fatalf("Headers should prefer unpenalized peers, got %d", p.id)
	}
	penalties[2] = 0
	if p := ps.Headers(nil); p.id != 2 {
		t.Fatalf("Headers should prefer the highest start height, got %d", p.id)
	}
	if p := ps.Headers(map[uint64]bool{2: true, 3: true}); p.id != 1 {
		t.Fatalf("Headers should honour exclusions, got %d", p.id)
	}
	if p := ps.Headers(map[uint64]bool{1: true, 2: true, 3: true}); p != nil {
		t.Fatalf("Headers should return nil without candidates, got %d", p.id)
	}
}

func TestControlTimer(t *testing.T) {
	timer := NewResyncTimer()
	go timer.Run(0)
	defer timer.Shutdown()

	select {
	case <-timer.tickCh:
		t.Fatal("a zero duration should never fire")
	case <-time.After(30 * time.Millisecond):
	}

	timer.Reset(10 * time.Millisecond)
	select {
	case <-timer.tickCh:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after Reset")
	}

	timer.Reset(50 * time.Millisecond)
	timer.Stop()
	select {
	case <-timer.tickCh:
		t.Fatal("stopped timer fired")
	case <-time.After(100 * time.Millisecond):
	}
}
