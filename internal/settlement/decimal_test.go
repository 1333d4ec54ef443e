package settlement

import "testing"

func TestMulDecimal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		a, b, want string
	}{
		{"10", "100", "1000"},
		{"0.1", "0.2", "0.02"},
		{"2.50", "4", "10"},
		{"1.5", "2", "3"},
		{"0", "123.456", "0"},
		{"60", "50", "3000"},
		{"0.000001", "1000000", "1"},
		{"123456789.987654321", "1", "123456789.987654321"},
		{"99.99", "99.99", "9998.0001"},
	}
	for _, tt := range tests {
		t.Run(tt.a+"x"+tt.b, func(t *testing.T) {
			t.Parallel()
			got, err := MulDecimal(tt.a, tt.b)
			if err != nil {
				t.Fatalf("MulDecimal(%s, %s): %v", tt.a, tt.b, err)
			}
			if got != tt.want {
				t.Errorf("MulDecimal(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
			}

			// Commutative.
			swapped, err := MulDecimal(tt.b, tt.a)
			if err != nil {
				t.Fatalf("MulDecimal(%s, %s): %v", tt.b, tt.a, err)
			}
			if swapped != got {
				t.Errorf("not commutative: %s != %s", swapped, got)
			}
		})
	}
}

func TestMulDecimalRejectsGarbage(t *testing.T) {
	t.Parallel()
	for _, bad := range []string{"", ".", "abc", "-1", "1.2.3"} {
		if _, err := MulDecimal(bad, "1"); err == nil {
			t.Errorf("MulDecimal(%q, 1) accepted", bad)
		}
	}
}
