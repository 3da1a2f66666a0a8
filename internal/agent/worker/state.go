package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aiori-io/aiori/internal/events"
	"github.com/aiori-io/aiori/internal/events/bus"
	v1 "github.com/aiori-io/aiori/pkg/api/v1"
)

// UnixNow returns the current time as unix seconds with fractional part,
// the timestamp format used on the wire.
func UnixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// PublishState publishes a module state message on the shared state
// subject, stamping the current time when none is set.
func PublishState(ctx context.Context, b bus.Bus, st v1.ModuleState) error {
	if st.Timestamp == nil {
		now := UnixNow()
		st.Timestamp = &now
	}
	data, err := json.Marshal(&st)
	if err != nil {
		return err
	}
	return b.Publish(ctx, events.SubjectModuleState, data)
}
