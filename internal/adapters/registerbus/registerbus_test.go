package registerbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_sim_writeThenReadRoundTrips(t *testing.T) {
	s := NewSim()
	require.NoError(t, s.Write(0x00, 1024))

	got, err := s.Read(0x00)
	require.NoError(t, err)
	assert.Equal(t, uint16(1024), got)
}

func Test_sim_unwrittenRegisterReadsZero(t *testing.T) {
	s := NewSim()
	got, err := s.Read(0x11)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), got)
}
