package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmir/prearchive/internal/model"
)

func TestRetryPolicyDelays(t *testing.T) {
	p := DefaultRetryPolicy
	assert.Equal(t, 4, p.MaxRetry)
	want := []time.Duration{
		300 * time.Second,
		900 * time.Second,
		2700 * time.Second,
		8100 * time.Second,
	}
	for n, expected := range want {
		assert.Equal(t, expected, p.Delay(n), "delay before redelivery %d", n)
	}
}

func TestTaskName(t *testing.T) {
	cases := map[model.Operation]string{
		model.OpMove:             TaskMove,
		model.OpDelete:           TaskDelete,
		model.OpRebuild:          TaskRebuild,
		model.OpArchive:          TaskArchive,
		model.OpDirectArchive:    TaskDirectArchive,
		model.OpDicomInboxImport: TaskInboxImport,
	}
	for op, want := range cases {
		got, err := TaskName(op)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := TaskName(model.Operation("bogus"))
	assert.Error(t, err)
}
