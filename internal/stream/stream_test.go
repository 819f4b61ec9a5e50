package stream

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCheckpointerPersists(t *testing.T) {
	dir := t.TempDir()
	cp, err := NewFileCheckpointer(dir)
	require.NoError(t, err)

	_, ok := cp.Load("0")
	assert.False(t, ok)
	_, err = cp.Get("0")
	assert.True(t, errors.Is(err, ErrUnknownPartition))

	require.NoError(t, cp.Checkpoint("0", 10))
	require.NoError(t, cp.Checkpoint("orders/eu", 3))
	require.NoError(t, cp.Checkpoint("0", 7)) // 뒤로 가는 값은 무시

	seq, err := cp.Get("0")
	require.NoError(t, err)
	assert.EqualValues(t, 10, seq)

	raw, err := os.ReadFile(filepath.Join(dir, "orders_eu.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"partition":"orders/eu","seq":3}`, string(raw))

	reopened, err := NewFileCheckpointer(dir)
	require.NoError(t, err)
	assert.Equal(t, []Position{{Partition: "0", Seq: 10}, {Partition: "orders/eu", Seq: 3}}, reopened.Snapshot())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files left behind")
}

func TestSequencer(t *testing.T) {
	dir := t.TempDir()
	cp, err := NewFileCheckpointer(dir)
	require.NoError(t, err)
	require.NoError(t, cp.Checkpoint("1", 41))

	s := NewSequencer(cp)
	assert.EqualValues(t, 1, s.Next("0", 0))
	assert.EqualValues(t, 2, s.Next("0", 0))
	assert.EqualValues(t, 42, s.Next("1", 0), "resumes after checkpoint")

	assert.EqualValues(t, 100, s.Next("0", 100))
	assert.EqualValues(t, 101, s.Next("0", 0))

	// producer 재전송: 명시 seq 는 그대로, 자동 번호는 뒤로 가지 않는다
	assert.EqualValues(t, 50, s.Next("0", 50))
	assert.EqualValues(t, 102, s.Next("0", 0))
}

func TestNormalizePartition(t *testing.T) {
	assert.Equal(t, "0", NormalizePartition("  "))
	assert.Equal(t, "eu-1", NormalizePartition(" eu-1 "))
}
