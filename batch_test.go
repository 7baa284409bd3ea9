/*
Copyright 2024-2025 Alve Capital

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package predictgate_test

import (
	"testing"

	"github.com/alvecapital/predictgate"
	"github.com/mailgun/holster/v4/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchWriter(t *testing.T) {
	t.Run("Flushes when the batch fills", func(t *testing.T) {
		store := predictgate.NewMockStore()
		w := predictgate.NewBatchWriter(predictgate.BatchWriterConfig{
			FlushSize: 3,
			Store:     store,
		})

		w.Add(predictgate.UserRecord{ID: 1})
		w.Add(predictgate.UserRecord{ID: 2})
		assert.Equal(t, 0, store.CallCount("BulkUpsertUsers"))
		assert.Equal(t, 2, w.Pending())

		w.Add(predictgate.UserRecord{ID: 3})
		assert.Equal(t, 1, store.CallCount("BulkUpsertUsers"))
		assert.Equal(t, 0, w.Pending())
		assert.Len(t, store.Users, 3)
	})

	t.Run("Flushes on the interval", func(t *testing.T) {
		store := predictgate.NewMockStore()
		w := predictgate.NewBatchWriter(predictgate.BatchWriterConfig{
			FlushSize:     100,
			FlushInterval: 10 * clock.Millisecond,
			Store:         store,
		})
		w.Start()
		defer w.Stop()

		w.Add(predictgate.UserRecord{ID: 1})

		require.Eventually(t, func() bool {
			return store.CallCount("BulkUpsertUsers") >= 1
		}, 2*clock.Second, clock.Millisecond)
		assert.Len(t, store.Users, 1)
	})

	t.Run("Stop flushes the remainder", func(t *testing.T) {
		store := predictgate.NewMockStore()
		w := predictgate.NewBatchWriter(predictgate.BatchWriterConfig{
			FlushSize:     100,
			FlushInterval: clock.Hour,
			Store:         store,
		})
		w.Start()

		w.Add(predictgate.UserRecord{ID: 1})
		w.Add(predictgate.UserRecord{ID: 2})
		w.Stop()

		assert.Equal(t, 1, store.CallCount("BulkUpsertUsers"))
		assert.Len(t, store.Users, 2)
	})

	t.Run("Failed flush drops the batch", func(t *testing.T) {
		store := predictgate.NewMockStore()
		store.Err = assert.AnError
		w := predictgate.NewBatchWriter(predictgate.BatchWriterConfig{
			FlushSize: 1,
			Store:     store,
		})

		w.Add(predictgate.UserRecord{ID: 1})
		assert.Equal(t, 0, w.Pending())
		assert.Empty(t, store.Users)
	})

	t.Run("Empty flush never touches the store", func(t *testing.T) {
		store := predictgate.NewMockStore()
		w := predictgate.NewBatchWriter(predictgate.BatchWriterConfig{Store: store})

		w.Flush()
		assert.Equal(t, 0, store.CallCount("BulkUpsertUsers"))
	})
}
