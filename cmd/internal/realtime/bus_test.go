package realtime

import (
	"context"
	"encoding/json"
	"testing"

	v1 "echostream/contracts/realtime/v1"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func TestLocalBus_PublishFansOut(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := NewHub(discardLogger())
	c := NewClient("s1", "", "", 8)
	h.Join(v1.RoomAnonymous, "general", c)

	b := NewLocalBus(h, m)
	if err := b.Publish(context.Background(), v1.RoomKey(v1.RoomAnonymous, "general"), testEnvelope(v1.TypeMessageNew)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(c.Send) != 1 {
		t.Fatalf("queue=%d want 1", len(c.Send))
	}
	if got := counterValue(t, reg, "echostream_ws_deliveries_total"); got != 1 {
		t.Fatalf("deliveries=%v want 1", got)
	}
}

func TestRedisBus_DeliverRoutesByChannel(t *testing.T) {
	t.Parallel()

	// The client is lazy; deliver never touches the network.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = rdb.Close() })

	h := NewHub(discardLogger())
	c := NewClient("s1", "", "", 8)
	h.Join(v1.RoomCommunity, "c1", c)

	b, err := NewRedisBus(discardLogger(), rdb, h, "test:room:", nil)
	if err != nil {
		t.Fatalf("NewRedisBus: %v", err)
	}

	data, _ := json.Marshal(testEnvelope(v1.TypeMessageNew))
	b.deliver("test:room:community:c1", data)
	b.deliver("other:community:c1", data)
	b.deliver("test:room:community:c1", []byte("{"))

	if len(c.Send) != 1 {
		t.Fatalf("queue=%d want 1", len(c.Send))
	}
}

func TestNewRedisBus_RequiresDeps(t *testing.T) {
	t.Parallel()

	if _, err := NewRedisBus(nil, nil, NewHub(nil), "", nil); err == nil {
		t.Fatalf("expected error without redis client")
	}
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = rdb.Close() })
	if _, err := NewRedisBus(nil, rdb, nil, "", nil); err == nil {
		t.Fatalf("expected error without hub")
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var sum float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}
