package driver

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestStatusOf(t *testing.T) {
	require.Equal(t, Success, StatusOf(nil))
	require.Equal(t, InvalidValue, StatusOf(errors.New("not a driver error")))

	err := Errorf("CreateSubBuffer", MisalignedSubBufferOffset, "origin %d not aligned to %d", 12, 8)
	require.Equal(t, MisalignedSubBufferOffset, StatusOf(err))
	wrapped := errors.WithMessage(err, "partitioning")
	require.Equal(t, MisalignedSubBufferOffset, StatusOf(wrapped))
	require.ErrorContains(t, wrapped, "MISALIGNED_SUB_BUFFER_OFFSET (-13)")
	require.ErrorContains(t, wrapped, "origin 12 not aligned to 8")
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "BUILD_PROGRAM_FAILURE", BuildProgramFailure.String())
	require.Equal(t, "STATUS_-999", Status(-999).String())
	require.Equal(t, "GPU", DeviceTypeGPU.String())
	require.Equal(t, "MIXED", (DeviceTypeGPU | DeviceTypeCPU).String())
}

type fakeDriver struct{ Driver }

func (fakeDriver) Name() string { return "fake" }

func TestRegistry(t *testing.T) {
	calls := 0
	Register("registry-test", func() (Driver, error) {
		calls++
		return fakeDriver{}, nil
	})
	require.Contains(t, Registered(), "registry-test")
	require.Panics(t, func() { Register("registry-test", func() (Driver, error) { return nil, nil }) })

	drv1, err := Open("registry-test")
	require.NoError(t, err)
	drv2, err := Open("registry-test")
	require.NoError(t, err)
	require.Equal(t, "fake", drv1.Name())
	require.Equal(t, drv1, drv2)
	require.Equal(t, 1, calls)

	_, err = Open("no-such-driver")
	require.ErrorContains(t, err, "not registered")

	Register("registry-test-failing", func() (Driver, error) { return nil, errors.New("no hardware") })
	_, err = Open("registry-test-failing")
	require.ErrorContains(t, err, "no hardware")
}
