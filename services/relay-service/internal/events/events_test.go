package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmount_Decode(t *testing.T) {
	cases := []struct {
		in        string
		want      string
		malformed string
	}{
		{`97.9`, "97.9", ""},
		{`"97.90"`, "97.9", ""},
		{`"97,90"`, "97.9", ""},
		{`""`, "0", ""},
		{`"  "`, "0", ""},
		{`null`, "0", ""},
		{`"1.234,56"`, "0", "1.234,56"},
		{`"abc"`, "0", "abc"},
		{`true`, "0", "true"},
	}
	for _, tc := range cases {
		var a Amount
		require.NoError(t, json.Unmarshal([]byte(tc.in), &a), tc.in)
		assert.Equal(t, tc.want, a.String(), tc.in)
		assert.Equal(t, tc.malformed, a.Malformed, tc.in)
	}
}

func TestFlexString_Decode(t *testing.T) {
	var v struct {
		A FlexString `json:"a"`
		B FlexString `json:"b"`
		C FlexString `json:"c"`
		D FlexString `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"ORD1","b":12345,"c":null,"d":{"x":1}}`), &v))
	assert.Equal(t, FlexString("ORD1"), v.A)
	assert.Equal(t, FlexString("12345"), v.B)
	assert.Empty(t, v.C)
	assert.Empty(t, v.D)
}

func TestDecodePaymentEvent_SkipsWrongTypedField(t *testing.T) {
	ev, skipped, err := DecodePaymentEvent([]byte(`{
		"code": 777,
		"sale_status_enum_key": "pending",
		"sale_amount": "",
		"billet_url": 5,
		"customer": {"full_name": "Ana", "phone_area_code": 11, "phone_number": "987654321"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "billet_url", skipped)
	assert.Equal(t, FlexString("777"), ev.Code)
	assert.Equal(t, StatusPending, ev.Status)
	assert.True(t, ev.SaleAmount.IsZero())
	assert.Equal(t, "11987654321", ev.RawPhone())
	assert.Equal(t, "Ana", ev.CustomerName())
}

func TestDecodePaymentEvent_NotAnObject(t *testing.T) {
	_, _, err := DecodePaymentEvent([]byte(`{"code":`))
	assert.Error(t, err)
}
