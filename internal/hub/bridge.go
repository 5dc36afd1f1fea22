package hub

import (
	"encoding/json"

	"github.com/backlinehq/syncd/internal/event"
)

// relayedKinds are the event kinds pushed out to realtime clients.
var relayedKinds = []event.Kind{
	event.KindOperationCompleted,
	event.KindOperationFailed,
	event.KindFileCreated,
	event.KindFileUpdated,
	event.KindFileDeleted,
	event.KindSyncFallback,
}

// AttachBus subscribes the hub to sync events, relaying each one to its
// workspace's room. The returned function detaches again.
func (h *Hub) AttachBus(bus *event.Bus) func() {
	unsubs := make([]event.UnsubscribeFunc, 0, len(relayedKinds))
	for _, kind := range relayedKinds {
		unsubs = append(unsubs, bus.Subscribe(kind, h.relay))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (h *Hub) relay(ev event.Event) {
	if ev.WorkspaceID == "" {
		return
	}
	room := RoomForWorkspace(ev.WorkspaceID)

	raw, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("kind", string(ev.Kind)).Msg("could not encode event")
		return
	}
	msg, err := json.Marshal(serverMessage{Type: "event", Room: room, Data: raw})
	if err != nil {
		return
	}
	h.Broadcast(room, msg)
}
