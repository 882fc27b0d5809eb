package stream

import "testing"

// FuzzParsePriority checks that any field value yields an in-range priority.
func FuzzParsePriority(f *testing.F) {
	f.Add("u=1, i")
	f.Add("u=8")
	f.Add(";;,,=")
	f.Add("i=?1;a=b, u=0")

	f.Fuzz(func(t *testing.T, value string) {
		if p := ParsePriority(value); p.Urgency > 7 {
			t.Fatalf("ParsePriority(%q) urgency %d", value, p.Urgency)
		}
	})
}

// FuzzValidateRequestHeaders checks that validation never panics on arbitrary
// name/value pairs and always rejects uppercase names.
func FuzzValidateRequestHeaders(f *testing.F) {
	f.Add(":method", "GET", "x-custom", "v")
	f.Add("Content-Type", "a", "te", "gzip")
	f.Add(":path", "", "connection", "close")

	f.Fuzz(func(t *testing.T, n1, v1, n2, v2 string) {
		headers := [][2]string{
			{":method", "GET"},
			{":scheme", "https"},
			{":path", "/"},
			{n1, v1},
			{n2, v2},
		}
		err := validateRequestHeaders(headers)
		for _, name := range []string{n1, n2} {
			for _, r := range name {
				if r >= 'A' && r <= 'Z' && err == nil {
					t.Fatalf("accepted uppercase name %q", name)
				}
			}
		}
	})
}
