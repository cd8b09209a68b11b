package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDestinationMatches(t *testing.T) {
	ctUID := "1.2.840.10008.5.1.4.1.1.2"
	mrUID := "1.2.840.10008.5.1.4.1.1.4"

	tests := []struct {
		name   string
		dest   Destination
		mod    string
		sop    string
		ae     string
		labels []string
		want   bool
	}{
		{
			name: "empty lists match everything",
			dest: Destination{Enabled: true},
			mod:  "CT", sop: ctUID, ae: "SCANNER",
			want: true,
		},
		{
			name: "modality list filters",
			dest: Destination{Enabled: true, MatchModalities: []string{"CT", "MR"}},
			mod:  "US", sop: ctUID, ae: "SCANNER",
			want: false,
		},
		{
			name: "modality list matches",
			dest: Destination{Enabled: true, MatchModalities: []string{"CT", "MR"}},
			mod:  "MR", sop: mrUID, ae: "SCANNER",
			want: true,
		},
		{
			name: "all lists must match",
			dest: Destination{
				Enabled:         true,
				MatchModalities: []string{"CT"},
				MatchSOPClasses: []string{ctUID},
				MatchCallingAEs: []string{"SCANNER"},
			},
			mod:  "CT", sop: ctUID, ae: "OTHER_AE",
			want: false,
		},
		{
			name: "all lists matching",
			dest: Destination{
				Enabled:         true,
				MatchModalities: []string{"CT"},
				MatchSOPClasses: []string{ctUID},
				MatchCallingAEs: []string{"SCANNER"},
			},
			mod:  "CT", sop: ctUID, ae: "SCANNER",
			want: true,
		},
		{
			name: "label rule filters unlabeled instances",
			dest: Destination{Enabled: true, MatchLabels: []string{"research"}},
			mod:  "CT", sop: ctUID, ae: "SCANNER",
			want: false,
		},
		{
			name: "label rule filters non-matching labels",
			dest:   Destination{Enabled: true, MatchLabels: []string{"research"}},
			mod:    "CT", sop: ctUID, ae: "SCANNER",
			labels: []string{"clinical"},
			want:   false,
		},
		{
			name:   "any wanted label suffices",
			dest:   Destination{Enabled: true, MatchLabels: []string{"research", "trial-7"}},
			mod:    "CT", sop: ctUID, ae: "SCANNER",
			labels: []string{"clinical", "trial-7"},
			want:   true,
		},
		{
			name: "empty label rule ignores labels",
			dest: Destination{Enabled: true},
			mod:  "CT", sop: ctUID, ae: "SCANNER",
			labels: []string{"clinical"},
			want:   true,
		},
		{
			name: "disabled destination never matches",
			dest: Destination{Enabled: false},
			mod:  "CT", sop: ctUID, ae: "SCANNER",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.dest.Matches(tt.mod, tt.sop, tt.ae, tt.labels))
		})
	}
}
