/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package mempool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/arenalloc/unsafex/malloc"
)

func TestUseArenaFastPath(t *testing.T) {
	a, err := malloc.New(1 << 20)
	require.NoError(t, err)
	UseArena(a)
	defer UseArena(nil)

	b := Malloc(128)
	require.NotNil(t, b)
	assert.True(t, a.Owns(b))
	assert.Len(t, b, 128)

	Free(b)
	require.NoError(t, a.CheckInvariants())
}

func TestUseArenaFallsBackToPoolsWhenExhausted(t *testing.T) {
	a, err := malloc.New(1 << 12)
	require.NoError(t, err)
	UseArena(a)
	defer UseArena(nil)

	// much larger than the arena's own capacity, must fall back to the
	// sync.Pool tiers below instead of returning nil.
	b := Malloc(1 << 16)
	require.NotNil(t, b)
	assert.False(t, a.Owns(b), "oversized request must not be served by the arena")
	Free(b)
}

func TestUseArenaNilDisablesFastPath(t *testing.T) {
	a, err := malloc.New(1 << 20)
	require.NoError(t, err)
	UseArena(a)
	UseArena(nil)

	b := Malloc(64)
	require.NotNil(t, b)
	assert.False(t, a.Owns(b))
	Free(b)
}
