package sources

import "testing"

func TestFilterAllowed(t *testing.T) {
	tests := []struct {
		name    string
		include []string
		exclude []string
		values  []string
		want    bool
	}{
		{
			name:   "no patterns allows everything",
			values: []string{"web-server"},
			want:   true,
		},
		{
			name:    "include match",
			include: []string{"web-*"},
			values:  []string{"web-server"},
			want:    true,
		},
		{
			name:    "include miss",
			include: []string{"web-*"},
			values:  []string{"db-server"},
			want:    false,
		},
		{
			name:    "exclude wins over include",
			include: []string{"*"},
			exclude: []string{"*-test"},
			values:  []string{"web-test"},
			want:    false,
		},
		{
			name:    "second value satisfies include",
			include: []string{"10*"},
			values:  []string{"web-server", "101"},
			want:    true,
		},
		{
			name:    "exclude matches any value",
			exclude: []string{"101"},
			values:  []string{"web-server", "101"},
			want:    false,
		},
		{
			name:    "blank patterns ignored",
			include: []string{"  ", ""},
			values:  []string{"anything"},
			want:    true,
		},
		{
			name:    "empty values with include set",
			include: []string{"web-*"},
			values:  []string{""},
			want:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFilter(tt.include, tt.exclude)
			if got := f.Allowed(tt.values...); got != tt.want {
				t.Errorf("Allowed(%v) = %v, want %v", tt.values, got, tt.want)
			}
		})
	}
}

func TestFilterNilSafe(t *testing.T) {
	var f *Filter
	if !f.Allowed("anything") {
		t.Error("nil filter should allow everything")
	}
	if !f.Empty() {
		t.Error("nil filter should report empty")
	}
}
