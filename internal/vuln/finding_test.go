package vuln

import (
	"regexp"
	"strings"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestExtractCVEs(t *testing.T) {
	tests := []struct {
		name     string
		findings []Finding
		want     []string
	}{
		{
			name: "deduplicated across fields and case",
			findings: []Finding{
				{Name: "pkg vulnerable to CVE-2024-9143"},
				{Description: "see cve-2024-9143 advisory"},
			},
			want: []string{"CVE-2024-9143"},
		},
		{
			name: "uri and multiple ids per field",
			findings: []Finding{
				{Name: "openssl", Description: "CVE-2023-1234 and CVE-2023-5678", URI: strPtr("https://nvd.nist.gov/vuln/detail/CVE-2022-0001")},
			},
			want: []string{"CVE-2023-1234", "CVE-2023-5678", "CVE-2022-0001"},
		},
		{
			name:     "nil uri and no ids",
			findings: []Finding{{Name: "weak cipher", Severity: SeverityLow}},
			want:     []string{},
		},
		{
			name:     "malformed ids are ignored",
			findings: []Finding{{Name: "CVE-24-1 CVE-2024- cve_2024_1"}},
			want:     []string{},
		},
		{
			name:     "long sequence numbers",
			findings: []Finding{{Description: "CVE-2021-4428812"}},
			want:     []string{"CVE-2021-4428812"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractCVEs(tt.findings)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ExtractCVEs() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNormalizeCVEs(t *testing.T) {
	got := NormalizeCVEs([]string{" cve-2024-9143", "CVE-2023-1234", "", "CVE-2024-9143", "  "})
	assert.Equal(t, []string{"CVE-2024-9143", "CVE-2023-1234"}, got)
	assert.Empty(t, NormalizeCVEs(nil))
}

func TestFindCVE(t *testing.T) {
	assert.Equal(t, "CVE-2024-9143", FindCVE("cve-2024-9143 vulnerability"))
	assert.Equal(t, "", FindCVE("log4shell"))
}

func TestSeverityHelpers(t *testing.T) {
	assert.Equal(t, SeverityHigh, ParseSeverity(" high "))
	assert.Equal(t, SeverityInformational, ParseSeverity("UNDEFINED"))

	findings := []Finding{
		{Name: "a", Severity: SeverityLow},
		{Name: "b", Severity: SeverityCritical},
		{Name: "c", Severity: "medium"},
		{Name: "d", Severity: SeverityCritical},
	}
	SortBySeverity(findings)
	names := make([]string, len(findings))
	for i, f := range findings {
		names[i] = f.Name
	}
	assert.Equal(t, []string{"b", "d", "c", "a"}, names)

	counts := CountBySeverity(findings)
	assert.Equal(t, 2, counts[SeverityCritical])
	assert.Equal(t, 1, counts[SeverityMedium])
}

var referenceCVE = regexp.MustCompile(`(?i)CVE-\d{4}-\d+`)

// FuzzExtractCVEs checks that every id present in the input appears exactly once, upper-cased.
func FuzzExtractCVEs(f *testing.F) {
	f.Add([]byte("pkg vulnerable to CVE-2024-9143, see cve-2024-9143"))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)
		var findings []Finding
		if err := consumer.CreateSlice(&findings); err != nil {
			return
		}

		got := ExtractCVEs(findings)

		seen := make(map[string]int, len(got))
		for _, id := range got {
			require.Equal(t, strings.ToUpper(id), id)
			seen[id]++
			require.Equal(t, 1, seen[id], "duplicate id %s", id)
		}
		for _, f := range findings {
			fields := []string{f.Name, f.Description}
			if f.URI != nil {
				fields = append(fields, *f.URI)
			}
			for _, field := range fields {
				for _, m := range referenceCVE.FindAllString(field, -1) {
					assert.Contains(t, seen, strings.ToUpper(m))
				}
			}
		}
	})
}
