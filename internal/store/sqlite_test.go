package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/atat/gateway/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sub", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertAndListCalls(t *testing.T) {
	s := openTemp(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.InsertCall(protocol.CallRecord{
		At:         base,
		Command:    "apis.list",
		Code:       200,
		Success:    true,
		DurationMs: 4,
	}))
	require.NoError(t, s.InsertCall(protocol.CallRecord{
		At:         base.Add(time.Second),
		Command:    "tags.add",
		Data:       map[string]interface{}{"endpoint_id": "endpoint_1"},
		Code:       400,
		Error:      "Missing tags",
		DurationMs: 7,
	}))

	calls, err := s.ListCalls(Filter{})
	require.NoError(t, err)
	require.Len(t, calls, 2)

	assert.Equal(t, "apis.list", calls[0].Command)
	assert.True(t, calls[0].At.Equal(base))
	assert.Nil(t, calls[0].Data)
	assert.True(t, calls[0].Success)

	assert.Equal(t, "tags.add", calls[1].Command)
	assert.Equal(t, 400, calls[1].Code)
	assert.False(t, calls[1].Success)
	assert.Equal(t, "Missing tags", calls[1].Error)
	assert.Equal(t, "endpoint_1", calls[1].Data["endpoint_id"])
	assert.Equal(t, int64(7), calls[1].DurationMs)
}

func TestListCallsFilters(t *testing.T) {
	s := openTemp(t)
	now := time.Now()
	for i := 0; i < 6; i++ {
		require.NoError(t, s.InsertCall(protocol.CallRecord{
			At:      now.Add(time.Duration(i) * time.Millisecond),
			Command: []string{"scan.start", "scan.stop"}[i%2],
			Code:    200,
			Success: i < 4,
		}))
	}

	calls, err := s.ListCalls(Filter{Command: "scan.start"})
	require.NoError(t, err)
	assert.Len(t, calls, 3)

	failed := false
	calls, err = s.ListCalls(Filter{Success: &failed})
	require.NoError(t, err)
	assert.Len(t, calls, 2)

	calls, err = s.ListCalls(Filter{Command: "scan.stop", Success: &failed})
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "scan.stop", calls[0].Command)
}

func TestListCallsLimitKeepsNewest(t *testing.T) {
	s := openTemp(t)
	now := time.Now()
	for i := 0; i < MaxLimit+10; i++ {
		require.NoError(t, s.InsertCall(protocol.CallRecord{
			At:      now.Add(time.Duration(i) * time.Microsecond),
			Command: fmt.Sprintf("cmd.%d", i),
			Success: true,
		}))
	}

	calls, err := s.ListCalls(Filter{Limit: 3})
	require.NoError(t, err)
	require.Len(t, calls, 3)
	assert.Equal(t, fmt.Sprintf("cmd.%d", MaxLimit+7), calls[0].Command)
	assert.Equal(t, fmt.Sprintf("cmd.%d", MaxLimit+9), calls[2].Command)

	calls, err = s.ListCalls(Filter{})
	require.NoError(t, err)
	assert.Len(t, calls, DefaultLimit)

	calls, err = s.ListCalls(Filter{Limit: 10_000})
	require.NoError(t, err)
	assert.Len(t, calls, MaxLimit)
}

func TestPrune(t *testing.T) {
	s := openTemp(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertCall(protocol.CallRecord{At: base, Command: "old"}))
	require.NoError(t, s.InsertCall(protocol.CallRecord{At: base.Add(500 * time.Millisecond), Command: "older-half"}))
	require.NoError(t, s.InsertCall(protocol.CallRecord{At: base.Add(time.Hour), Command: "new"}))

	n, err := s.Prune(base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	calls, err := s.ListCalls(Filter{})
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "new", calls[0].Command)
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.InsertCall(protocol.CallRecord{At: time.Now(), Command: "connection.test", Success: true}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	calls, err := s.ListCalls(Filter{})
	require.NoError(t, err)
	assert.Len(t, calls, 1)
}

func TestCloseNil(t *testing.T) {
	var s *Store
	assert.NoError(t, s.Close())
}
