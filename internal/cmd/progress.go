package cmd

import (
	"fmt"
	"io"
	"sync"

	"github.com/Iron-Ham/taskloop/internal/event"
	"github.com/Iron-Ham/taskloop/internal/scheduler"
)

// watchProgress prints batch run progress to w until the returned function
// is called. Slots still waiting for a workspace are not shown.
func watchProgress(bus *event.Bus, w io.Writer) func() {
	var mu sync.Mutex
	id := bus.SubscribeAll(func(e event.Event) {
		if ev, ok := e.(event.SlotStateEvent); ok {
			switch scheduler.SlotState(ev.State) {
			case scheduler.SlotPending, scheduler.SlotWorkspaceCreating:
				return
			}
		}
		s, ok := e.(fmt.Stringer)
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(w, s.String())
	})
	return func() { bus.Unsubscribe(id) }
}
