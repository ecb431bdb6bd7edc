package sqlutil

import (
	"database/sql"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The exclusive writer must serialise every task onto one goroutine:
// unsynchronised state mutated inside Do must never race.
func TestExclusiveWriterSerialises(t *testing.T) {
	w := NewExclusiveWriter()

	const goroutines = 16
	const increments = 200
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < increments; j++ {
				err := w.Do(nil, nil, func(txn *sql.Tx) error {
					counter++
					return nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, goroutines*increments, counter)
}

func TestExclusiveWriterPropagatesError(t *testing.T) {
	w := NewExclusiveWriter()
	err := w.Do(nil, nil, func(txn *sql.Tx) error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestDummyWriterRunsInline(t *testing.T) {
	w := NewDummyWriter()
	ran := false
	err := w.Do(nil, nil, func(txn *sql.Tx) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}
