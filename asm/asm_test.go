package asm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moria.us/elfhex/asm"
)

func TestParseFlags(t *testing.T) {
	cases := []struct {
		in   string
		want asm.Flags
	}{
		{"r", asm.FlagR},
		{"rw", asm.FlagR | asm.FlagW},
		{"rx", asm.FlagR | asm.FlagX},
		{"rwx", asm.FlagR | asm.FlagW | asm.FlagX},
		{"xrw", asm.FlagR | asm.FlagW | asm.FlagX},
	}
	for _, c := range cases {
		got, err := asm.ParseFlags(c.in)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "ParseFlags(%q)", c.in)
	}
}

func TestParseFlagsInvalid(t *testing.T) {
	_, err := asm.ParseFlags("rq")
	assert.Error(t, err)
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "rwx", (asm.FlagR | asm.FlagW | asm.FlagX).String())
	assert.Equal(t, "r", asm.FlagR.String())
}

func TestElementMarkerTypesImplementElement(t *testing.T) {
	var elems []asm.Element
	elems = append(elems,
		asm.ByteLiteral{Bytes: []byte{0x90}},
		asm.Label{Name: "a"},
		asm.RelativeRef{Label: "a", Width: 1},
		asm.AbsoluteRef{Label: "a"},
		asm.FragmentRef{Name: "f"},
		asm.ParamRef{Name: "p"},
		asm.ExtInvocation{Name: "ext"},
	)
	assert.Len(t, elems, 7)
}
