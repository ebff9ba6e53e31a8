// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package orcherrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategoryAssignment(t *testing.T) {
	assert.True(t, New(ErrorCodeConfig, "bad config").IsFatal())
	assert.True(t, New(ErrorCodeStoreWrite, "disk full").IsFatal())
	assert.True(t, New(ErrorCodeSubmission, "rejected").IsRetryable())
	assert.True(t, New(ErrorCodeTaskFailure, "nonzero exit").IsRetryable())
	assert.False(t, New(ErrorCodeTransientQuery, "timeout").IsRetryable())
	assert.False(t, New(ErrorCodeTransientQuery, "timeout").IsFatal())
}

func TestIsMatchesByCode(t *testing.T) {
	err := Wrap(ErrorCodeExpansion, "bad csv", errors.New("EOF")).ForJob("ingest")
	assert.True(t, errors.Is(err, New(ErrorCodeExpansion, "")))
	assert.False(t, errors.Is(err, New(ErrorCodeConfig, "")))
	assert.Contains(t, err.Error(), "job=ingest")
	assert.ErrorIs(t, err, err.Cause)
}
