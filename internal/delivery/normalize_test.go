package delivery

import "testing"

func TestNormalizeRecipient(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "domestic ten digits", in: "9876543210", want: "919876543210"},
		{name: "separators", in: "(987) 654-3210", want: "919876543210"},
		{name: "spaces and dots", in: "98765 43.210", want: "919876543210"},
		{name: "already international", in: "+91 98765 43210", want: "919876543210"},
		{name: "ten digits starting with country code", in: "9112345678", want: "9112345678"},
		{name: "short number untouched", in: "12345", want: "12345"},
		{name: "foreign number untouched", in: "+44 20 7946 0958", want: "442079460958"},
		{name: "no digits", in: "abc", want: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := NormalizeRecipient(tt.in, "91", 10); got != tt.want {
				t.Fatalf("NormalizeRecipient(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeSeparatorsMatchDigitForm(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"7000000001", "7-000-000-001", " 700 000 0001 ", "700.000.0001"} {
		if got := NormalizeRecipient(raw, "91", 10); got != "917000000001" {
			t.Fatalf("NormalizeRecipient(%q) = %q", raw, got)
		}
	}
}
