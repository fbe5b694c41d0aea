package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmir/prearchive/internal/model"
)

func TestBusDeliversAndClosesOnTerminal(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("op-1")

	key := model.SessionKey{Project: "p", Timestamp: "t", Folder: "f"}
	bus.Publish(Event{OpID: "op-1", Key: key, Status: model.StatusArchiving})
	bus.Publish(Event{OpID: "op-1", Key: key, Status: model.StatusArchived, Location: "p/arc001/s/f", Terminal: true})

	first := <-ch
	assert.Equal(t, model.StatusArchiving, first.Status)
	second := <-ch
	assert.True(t, second.Terminal)
	assert.Equal(t, "p/arc001/s/f", second.Location)

	_, open := <-ch
	assert.False(t, open, "channel must be closed after the terminal event")
}

func TestBusIgnoresOtherOperations(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("op-1")
	bus.Publish(Event{OpID: "op-2", Status: model.StatusError, Terminal: true})
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestBusCancel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("op-1")
	bus.Cancel("op-1")
	_, open := <-ch
	require.False(t, open)
}
