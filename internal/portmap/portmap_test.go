package portmap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var (
	tunnelPort = Mapping{Port: 6667, Protocol: TCP, Name: "tunnel"}
	relayPort  = Mapping{Port: 6668, Protocol: TCP, Name: "relay"}
)

func TestBestEffortKeepsSuccesses(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := NewMockMapper(ctrl)
	m.EXPECT().Open(gomock.Any(), tunnelPort).Return(nil)
	m.EXPECT().Open(gomock.Any(), relayPort).Return(errors.New("refused"))
	m.EXPECT().Close(gomock.Any(), tunnelPort).Return(nil)

	lease := BestEffort(context.Background(), m, time.Second, tunnelPort, relayPort)
	assert.Equal(t, []Mapping{tunnelPort}, lease.Mapped)
	assert.Equal(t, []Mapping{relayPort}, lease.Failed)
	require.NoError(t, lease.Release(context.Background()))
	assert.Empty(t, lease.Mapped)
}

func TestBestEffortTimesOut(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := NewMockMapper(ctrl)
	m.EXPECT().Open(gomock.Any(), tunnelPort).DoAndReturn(func(ctx context.Context, _ Mapping) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	lease := BestEffort(context.Background(), m, 50*time.Millisecond, tunnelPort)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, lease.Mapped)
	assert.Equal(t, []Mapping{tunnelPort}, lease.Failed)
}

func TestReleaseReportsErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := NewMockMapper(ctrl)
	m.EXPECT().Close(gomock.Any(), relayPort).Return(errors.New("gone"))

	lease := &Lease{mapper: m, Mapped: []Mapping{relayPort}}
	require.Error(t, lease.Release(context.Background()))
}

func TestNoopNeverMaps(t *testing.T) {
	lease := BestEffort(context.Background(), Noop{}, 0, tunnelPort)
	assert.Empty(t, lease.Mapped)
	require.NoError(t, lease.Release(context.Background()))
}
