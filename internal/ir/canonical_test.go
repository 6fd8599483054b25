package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeys(t *testing.T) {
	obj := Object{
		"zeta":  Int(1),
		"alpha": String("a"),
		"mid":   Object{"b": Bool(true), "a": Bool(false)},
	}

	got, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"a","mid":{"a":false,"b":true},"zeta":1}`, string(got))
}

func TestMarshalCanonical_UTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes as surrogates 0xD83D 0xDE00, which sort before U+FB01
	// in UTF-16 even though the UTF-8 byte order is reversed.
	obj := Object{"ﬁ": Int(1), "\U0001F600": Int(2)}

	got, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"ﬁ\":1}", string(got))
}

func TestMarshalCanonical_NoHTMLEscaping(t *testing.T) {
	got, err := MarshalCanonical(String("<a & b>"))
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(got))
}

func TestMarshalCanonical_EscapesControlCharacters(t *testing.T) {
	got, err := MarshalCanonical(String("line\nbreak\x01\"q\"\\"))
	require.NoError(t, err)
	assert.Equal(t, `"line\nbreak\u0001\"q\"\\"`, string(got))
}

func TestMarshalCanonical_NFCNormalizes(t *testing.T) {
	decomposed := "e\u0301"
	composed := "\u00e9"

	a, err := MarshalCanonical(String(decomposed))
	require.NoError(t, err)
	b, err := MarshalCanonical(String(composed))
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestMarshalCanonical_RejectsFloatsAndNulls(t *testing.T) {
	tests := []struct {
		name  string
		input any
	}{
		{"float", map[string]any{"mtu": 1500.5}},
		{"null", map[string]any{"vlan": nil}},
		{"nil value in object", Object{"vlan": nil}},
		{"unsupported", map[string]any{"ch": make(chan int)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MarshalCanonical(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestFromAny_AcceptsIntegralFloats(t *testing.T) {
	v, err := FromAny(map[string]any{"mtu": float64(9000), "tags": []any{"a", 1}})
	require.NoError(t, err)
	assert.Equal(t, Object{"mtu": Int(9000), "tags": List{String("a"), Int(1)}}, v)
}

func TestObject_JSONRoundTripKeepsIntegers(t *testing.T) {
	obj := Object{"big": Int(1 << 60), "name": String("eth0")}

	data, err := json.Marshal(obj)
	require.NoError(t, err)

	var back Object
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, obj, back)
}

func TestObject_UnmarshalRejectsFloat(t *testing.T) {
	var obj Object
	err := json.Unmarshal([]byte(`{"mtu":1.5}`), &obj)
	assert.Error(t, err)
}

func TestObject_MergeDoesNotAlias(t *testing.T) {
	base := Object{"mtu": Int(1500), "acl": List{String("a")}}
	patch := Object{"mtu": Int(9000)}

	merged := base.Merge(patch)
	merged["acl"].(List)[0] = String("changed")

	assert.Equal(t, Int(1500), base["mtu"])
	assert.Equal(t, String("a"), base["acl"].(List)[0])
	assert.Equal(t, Int(9000), merged["mtu"])
}
