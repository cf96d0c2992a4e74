package gateway

import (
	"sync"
	"testing"
)

func newBareConnection(cm *ConnectionManager, id, memberID, roomID string) *Connection {
	return &Connection{
		ID:       id,
		MemberID: memberID,
		RoomID:   roomID,
		Send:     make(chan []byte, 4),
		manager:  cm,
	}
}

func TestTrySend_AfterUnregisterIsSafe(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	conn := newBareConnection(cm, "c1", "alice", "movie-night")

	cm.register(conn)
	cm.unregister(conn)

	// The send queue is closed now; a queued delivery racing the unregister
	// must be rejected, not panic.
	if conn.trySend([]byte("x")) {
		t.Fatal("send succeeded on a closed queue")
	}
}

func TestCloseSend_Idempotent(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	conn := newBareConnection(cm, "c1", "alice", "movie-night")

	// Both pumps unregister on exit, so the queue is closed twice.
	conn.closeSend()
	conn.closeSend()
}

func TestTrySend_ConcurrentWithUnregister(t *testing.T) {
	for i := 0; i < 200; i++ {
		cm := NewConnectionManager(DefaultConnectionConfig())
		conn := newBareConnection(cm, "c1", "alice", "movie-night")
		cm.register(conn)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				conn.trySend([]byte("x"))
			}
		}()
		go func() {
			defer wg.Done()
			cm.unregister(conn)
		}()
		wg.Wait()
	}
}

func TestTrySend_ReportsFullBuffer(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	conn := newBareConnection(cm, "c1", "alice", "movie-night")

	for i := 0; i < cap(conn.Send); i++ {
		if !conn.trySend([]byte("x")) {
			t.Fatalf("send %d rejected below capacity", i)
		}
	}
	if conn.trySend([]byte("x")) {
		t.Fatal("send succeeded past capacity")
	}
}
