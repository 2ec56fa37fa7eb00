package publish

import (
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/require"

	"chlorine-monitor/internal/config"
	"chlorine-monitor/internal/model"
)

// startBroker spins up an in-process MQTT broker on a free local port.
func startBroker(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	broker := mochi.New(nil)
	require.NoError(t, broker.AddHook(&auth.AllowHook{}, nil))
	require.NoError(t, broker.AddListener(listeners.NewTCP(listeners.Config{Type: "tcp", ID: "t1", Address: addr})))
	require.NoError(t, broker.Serve())
	t.Cleanup(func() { _ = broker.Close() })
	return "tcp://" + addr
}

func TestPublishReadingToBroker(t *testing.T) {
	server := startBroker(t)

	got := make(chan mqtt.Message, 4)
	sub := mqtt.NewClient(mqtt.NewClientOptions().AddBroker(server).SetClientID("test-subscriber"))
	tok := sub.Connect()
	require.True(t, tok.WaitTimeout(5*time.Second))
	require.NoError(t, tok.Error())
	t.Cleanup(func() { sub.Disconnect(100) })
	tok = sub.Subscribe("chlorine/#", 1, func(_ mqtt.Client, m mqtt.Message) { got <- m })
	require.True(t, tok.WaitTimeout(5*time.Second))
	require.NoError(t, tok.Error())

	p, err := Connect(config.MQTTConfig{Server: server, Topic: "chlorine/%s", QoS: 1}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, p.Handle(model.Reading{SensorID: "7", Timestamp: ts, PrimaryValue: 310, DerivedValue: 1.55}))

	select {
	case m := <-got:
		require.Equal(t, "chlorine/7", m.Topic())
		var pl Payload
		require.NoError(t, json.Unmarshal(m.Payload(), &pl))
		require.Equal(t, "7", pl.SensorID)
		require.Equal(t, 310.0, pl.Primary)
		require.Equal(t, 1.55, pl.Derived)
		require.True(t, ts.Equal(pl.Timestamp))
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}

func TestHandleDropsOnFullQueue(t *testing.T) {
	t.Parallel()
	drops := 0
	p := newPublisher(nil, config.MQTTConfig{MaxQueueSize: 2}, nil, func() { drops++ })
	for i := 0; i < 2; i++ {
		require.NoError(t, p.Handle(model.Reading{SensorID: fmt.Sprint(i)}))
	}
	require.ErrorIs(t, p.Handle(model.Reading{SensorID: "x"}), ErrQueueFull)
	require.Equal(t, 1, drops)
}

func TestHandleDedupsUnchangedValues(t *testing.T) {
	t.Parallel()
	p := newPublisher(nil, config.MQTTConfig{MaxQueueSize: 10, DedupTTL: time.Minute}, nil, nil)
	r := model.Reading{SensorID: "1", PrimaryValue: 100, DerivedValue: 0.5}
	require.NoError(t, p.Handle(r))
	require.NoError(t, p.Handle(r))
	require.Len(t, p.q, 1)

	r.DerivedValue = 0.6
	require.NoError(t, p.Handle(r))
	require.Len(t, p.q, 2)
}

func TestValueCacheExpiry(t *testing.T) {
	t.Parallel()
	now := time.Unix(0, 0)
	c := NewValueCache(time.Second)
	c.now = func() time.Time { return now }
	c.Set("a", 1, 2)
	require.True(t, c.Unchanged("a", 1, 2))
	require.False(t, c.Unchanged("a", 1, 2.5))
	now = now.Add(2 * time.Second)
	require.False(t, c.Unchanged("a", 1, 2))
}

func TestTopic(t *testing.T) {
	t.Parallel()
	require.Equal(t, "plant/a/cl", (&Publisher{topic: "plant/%s/cl"}).Topic("a"))
	require.Equal(t, "plant/a", (&Publisher{topic: "plant/"}).Topic("a"))
	require.Equal(t, "chlorine/a", (&Publisher{}).Topic("a"))
}
