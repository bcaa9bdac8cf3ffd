package admin

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestLiveFeedPushesSnapshots(t *testing.T) {
	t.Parallel()

	calls := 0
	s := New("127.0.0.1:0", 20*time.Millisecond, func() Snapshot {
		calls++
		return Snapshot{ServerName: "Ravenfell", UptimeSeconds: 7, Connections: calls}
	})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/live", nil)
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}
	defer conn.Close()

	var first, second Snapshot
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first snapshot: %v", err)
	}
	if first.ServerName != "Ravenfell" || first.UptimeSeconds != 7 {
		t.Fatalf("first snapshot = %+v", first)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read second snapshot: %v", err)
	}
	if second.Connections <= first.Connections {
		t.Fatalf("snapshots not refreshed: %d then %d", first.Connections, second.Connections)
	}
}

func TestStopDisconnectsSubscribers(t *testing.T) {
	t.Parallel()

	s := New("127.0.0.1:0", 10*time.Millisecond, func() Snapshot { return Snapshot{} })
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/live", nil)
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return // feed closed as expected
		}
	}
	t.Fatal("subscriber still receiving after Stop")
}
