package mqtt

import (
	"errors"
	"testing"

	"github.com/serebryakov7/canfuzz/common"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestHandleIncomingCommand(t *testing.T) {
	var got []common.ServerCommand
	c := NewClient(MQTTConfig{CommandTopic: "canfuzz/cmd"}, nil, func(cmd common.ServerCommand) error {
		got = append(got, cmd)
		if cmd.Type != common.CommandTypeStop {
			return errors.New("unknown command")
		}
		return nil
	})

	tests := []struct {
		payload string
		calls   int
	}{
		{`{"id":"1","type":"stop","params":{"reason":"operator"}}`, 1},
		{`not json`, 1},
		{`{"id":"2","type":"reboot"}`, 2},
	}
	for _, tt := range tests {
		c.handleIncomingCommand(nil, fakeMessage{topic: "canfuzz/cmd", payload: []byte(tt.payload)})
		if len(got) != tt.calls {
			t.Fatalf("payload %q: handler calls = %d, want %d", tt.payload, len(got), tt.calls)
		}
	}
	if got[0].Type != common.CommandTypeStop || got[0].Params.Reason != "operator" || got[0].ID != "1" {
		t.Fatalf("first command = %+v", got[0])
	}
}

func TestPublishRecordNotConnected(t *testing.T) {
	c := NewClient(MQTTConfig{}, nil, nil)
	err := c.PublishRecord(common.NewRecord(common.ClassTriggered, common.Frame{ID: 0x100}, "s"))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	c.StopPublishing()
	c.StopPublishing()
}
