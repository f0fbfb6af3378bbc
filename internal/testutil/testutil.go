// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"
)

// GetTestContext returns a context bounded by testTimeout and by the deadline
// of the test binary, whichever is sooner. JSONCOMM_TEST_TIMEOUT (in seconds)
// overrides both, which helps when stepping through tests in a debugger.
func GetTestContext(t *testing.T, testTimeout time.Duration) (context.Context, context.CancelFunc) {
	if timeoutStr, found := os.LookupEnv("JSONCOMM_TEST_TIMEOUT"); found {
		timeout, err := strconv.ParseUint(timeoutStr, 10, 32)
		if err != nil {
			panic(fmt.Sprintf("Test timeout value '%s' is invalid: %s", timeoutStr, err.Error()))
		}
		return context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	}

	deadline, haveDeadline := t.Deadline()

	switch {
	case !haveDeadline && testTimeout == 0:
		return context.WithCancel(context.Background())
	case haveDeadline && testTimeout == 0:
		return context.WithDeadline(context.Background(), deadline)
	case !haveDeadline:
		return context.WithTimeout(context.Background(), testTimeout)
	default:
		if testDeadline := time.Now().Add(testTimeout); testDeadline.Before(deadline) {
			deadline = testDeadline
		}
		return context.WithDeadline(context.Background(), deadline)
	}
}
