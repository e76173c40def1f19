package jslex

import (
	"reflect"
	"testing"
)

func TestStrings(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "simple",
			in:   `var a = "hello";`,
			want: []string{`"hello"`},
		},
		{
			name: "multiple literals",
			in:   `f("one", "two", 3, "three")`,
			want: []string{`"one"`, `"two"`, `"three"`},
		},
		{
			name: "escaped quote does not terminate",
			in:   `x = "he said \"hi\" loudly";`,
			want: []string{`"he said \"hi\" loudly"`},
		},
		{
			name: "escaped backslash before closing quote",
			in:   `x = "path\\";`,
			want: []string{`"path\\"`},
		},
		{
			name: "single quoted skipped",
			in:   `a = 'nope'; b = "yes"`,
			want: []string{`"yes"`},
		},
		{
			name: "double quote inside single quoted string",
			in:   `a = 'it "looks" open'; b = "real"`,
			want: []string{`"real"`},
		},
		{
			name: "unterminated yields nothing",
			in:   `a = "never closed`,
			want: nil,
		},
		{
			name: "no strings",
			in:   `var x = 1 + 2;`,
			want: nil,
		},
		{
			name: "double encoded json payload",
			in:   `s.handle("{\"gql_data\":{\"shortcode_media\":{}}}")`,
			want: []string{`"{\"gql_data\":{\"shortcode_media\":{}}}"`},
		},
		{
			name: "empty literal",
			in:   `a = ""`,
			want: []string{`""`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Strings(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Strings(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
