package urstypes

import "testing"

import "github.com/stretchr/testify/assert"

func TestRecPtrRoundTrip(t *testing.T) {
	cases := []struct {
		log    UndoLogNumber
		offset UndoLogOffset
	}{
		{1, 0},
		{1, 4096},
		{42, 123456789},
		{InvalidLogNumber + 1, offsetMask},
	}
	for _, c := range cases {
		rp := MakeRecPtr(c.log, c.offset)
		assert.Equal(t, c.log, rp.Log())
		assert.Equal(t, c.offset, rp.Offset())
		assert.True(t, rp.Valid())
	}
}

func TestInvalidRecPtr(t *testing.T) {
	assert.False(t, InvalidRecPtr.Valid())
	assert.Equal(t, "<invalid>", InvalidRecPtr.String())
}

func TestRecPtrAdd(t *testing.T) {
	rp := MakeRecPtr(3, 100)
	advanced := rp.Add(50)
	assert.Equal(t, UndoLogOffset(150), advanced.Offset())
	assert.Equal(t, UndoLogNumber(3), advanced.Log())
}

func TestPersistenceString(t *testing.T) {
	assert.Equal(t, "permanent", PersistencePermanent.String())
	assert.Equal(t, "unlogged", PersistenceUnlogged.String())
	assert.Equal(t, "temp", PersistenceTemp.String())
}
