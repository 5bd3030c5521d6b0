package propagator

import (
	"context"
	"errors"
	"testing"

	"github.com/dmitrijs2005/bulksync/internal/client/models"
	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name         string
		transportErr error
		httpCode     int
		want         models.Status
	}{
		{"canceled request", context.Canceled, 0, models.SoftError},
		{"deadline exceeded", context.DeadlineExceeded, 0, models.SoftError},
		{"connection refused", errors.New("connection refused"), 0, models.NormalError},
		{"unauthorized", nil, 401, models.FatalError},
		{"precondition failed", nil, 412, models.SoftError},
		{"locked", nil, 423, models.FileLocked},
		{"bad gateway", nil, 502, models.SoftError},
		{"service unavailable", nil, 503, models.SoftError},
		{"insufficient storage", nil, 507, models.DetailError},
		{"not found", nil, 404, models.NormalError},
		{"server error", nil, 500, models.NormalError},
		{"ok", nil, 200, models.Success},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classifyError(tc.transportErr, tc.httpCode))
		})
	}
}

func TestNextIgnoreDuration(t *testing.T) {
	assert.Equal(t, int64(25), nextIgnoreDuration(0))
	assert.Equal(t, int64(125), nextIgnoreDuration(25))
	assert.Equal(t, maxBlacklistDuration, nextIgnoreDuration(maxBlacklistDuration))
}

func TestOctetsToString(t *testing.T) {
	assert.Equal(t, "5 B", octetsToString(5))
	assert.Equal(t, "1.5 KB", octetsToString(1500))
	assert.Equal(t, "2.0 MB", octetsToString(2_000_000))
	assert.Equal(t, "3.0 GB", octetsToString(3_000_000_000))
}
