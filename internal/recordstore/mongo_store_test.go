package recordstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

func updateEvent(t *testing.T, updated bson.M, removed ...string) changeEvent {
	t.Helper()
	ev := changeEvent{OperationType: "update"}
	if updated != nil {
		raw, err := bson.Marshal(updated)
		require.NoError(t, err)
		ev.UpdateDescription.UpdatedFields = raw
	}
	ev.UpdateDescription.RemovedFields = removed
	return ev
}

func TestMongoStore_NeedsRouting(t *testing.T) {
	s := &MongoStore{fields: DefaultFields()}
	unrouted := types.Record{Reference: "rec-1"}
	routed := types.Record{Reference: "rec-1", RoutedAt: t0}

	cases := map[string]struct {
		ev   changeEvent
		rec  types.Record
		want bool
	}{
		"insert": {
			ev: changeEvent{OperationType: "insert"}, rec: unrouted, want: true,
		},
		"claim on unrouted record": {
			ev: updateEvent(t, bson.M{"dispatch.R1": bson.M{"token": "a"}}), rec: unrouted, want: false,
		},
		"release on unrouted record": {
			ev: updateEvent(t, nil, "dispatch.R1"), rec: unrouted, want: false,
		},
		"mark routed": {
			ev: updateEvent(t, bson.M{"dispatch_routed_at": t0, "dispatch_routed_version": 2}), rec: routed, want: false,
		},
		"unrelated field on unrouted record": {
			ev: updateEvent(t, bson.M{"status": "done"}), rec: unrouted, want: true,
		},
		"unrelated field on routed record": {
			ev: updateEvent(t, bson.M{"status": "done"}), rec: routed, want: false,
		},
		"attribute change on routed record": {
			ev: updateEvent(t, bson.M{"info_features.device": "sensor-9"}), rec: routed, want: true,
		},
		"attributes replaced on routed record": {
			ev: updateEvent(t, bson.M{"info_features": bson.M{"dataset": "batch_B"}, "updated_at": t0}, "dispatch_routed_at"), rec: routed, want: true,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, s.needsRouting(tc.ev, tc.rec))
		})
	}
}
