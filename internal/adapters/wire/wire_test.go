package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicemesh/internal/domain"
)

func TestModeKeepsFalseOp(t *testing.T) {
	b, err := Encode(Mode("#voice", "bob", false))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"mode","room":"#voice","nick":"bob","op":false}`, string(b))

	m, err := Decode(b)
	require.NoError(t, err)
	require.NotNil(t, m.Op)
	assert.False(t, *m.Op)
}

func TestNamesLayout(t *testing.T) {
	alice := domain.NewMember("alice")
	alice.Creator = true
	b, err := Encode(Names("#voice", []domain.Member{alice, domain.NewMember("bob")}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"names","room":"#voice","members":[
		{"nick":"alice","creator":true,"op":false},
		{"nick":"bob","creator":false,"op":false}]}`, string(b))
}

func TestDecodeRejects(t *testing.T) {
	for _, raw := range []string{``, `{}`, `[1]`, `{"type":""}`} {
		_, err := Decode([]byte(raw))
		assert.ErrorIs(t, err, ErrBadMessage, raw)
	}
}
