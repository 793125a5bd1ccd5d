// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeoutMsec(t *testing.T) {
	assert.Equal(t, -1, timeoutMsec(-time.Second))
	assert.Equal(t, 0, timeoutMsec(0))
	// Partial milliseconds round up so they never busy poll.
	assert.Equal(t, 1, timeoutMsec(time.Microsecond))
	assert.Equal(t, 1, timeoutMsec(time.Millisecond))
	assert.Equal(t, 2, timeoutMsec(time.Millisecond+time.Nanosecond))
	assert.Equal(t, 1500, timeoutMsec(1500*time.Millisecond))
}
