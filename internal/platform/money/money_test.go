package money

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		want    Amount
		wantErr error
	}{
		{in: "100", want: 10000},
		{in: "57000.00", want: 5700000},
		{in: "0.5", want: 50},
		{in: "-12.34", want: -1234},
		{in: "1.234", wantErr: ErrPrecision},
		{in: "abc", wantErr: ErrInvalidFormat},
		{in: "", wantErr: ErrInvalidFormat},
		{in: "99999999999999999999", wantErr: ErrOverflow},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("parse %q: expected %v, got %v", tc.in, tc.wantErr, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parse %q: got=%d want=%d", tc.in, got, tc.want)
		}
	}
}

func TestAmountJSONAcceptsNumbersAndStrings(t *testing.T) {
	var body struct {
		A Amount `json:"a"`
		B Amount `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a": 80.25, "b": "200"}`), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.A != 8025 || body.B != 20000 {
		t.Fatalf("unexpected amounts: %+v", body)
	}

	out, err := json.Marshal(Amount(5700000))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `"57000.00"` {
		t.Fatalf("unexpected wire form: %s", out)
	}
}
