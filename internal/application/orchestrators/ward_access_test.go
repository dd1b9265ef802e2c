package orchestrators

import (
	"context"
	"errors"
	"testing"

	"safetrail/internal/domain/account"
	"safetrail/internal/domain/guardian"
	"safetrail/internal/domain/travel"
)

func accessDeps() (WardAccessDeps, *mockHistory) {
	links := &mockLinkStore{links: []guardian.Link{{ID: "l1", GuardianID: "guard-1", WardID: "ward-1"}}}
	hist := &mockHistory{records: map[string][]travel.HistoryRecord{
		"ward-1": {{SessionID: "s2", WardID: "ward-1"}, {SessionID: "s1", WardID: "ward-1"}},
	}}
	episodes := mockEpisodes{
		"ep-audio":  {ID: "ep-audio", WardID: "ward-1", AudioRef: "ep-audio.webm"},
		"ep-silent": {ID: "ep-silent", WardID: "ward-1"},
		"ep-other":  {ID: "ep-other", WardID: "ward-2", AudioRef: "ep-other.webm"},
	}
	return WardAccessDeps{Links: links, History: hist, Episodes: episodes}, hist
}

func TestExecuteWardHistory(t *testing.T) {
	deps, hist := accessDeps()
	ctx := context.Background()

	tests := []struct {
		name    string
		viewer  Viewer
		wardID  string
		wantErr error
		wantN   int
	}{
		{"ward reads own", Viewer{ID: "ward-1", Role: account.RoleWard}, "ward-1", nil, 2},
		{"linked guardian", Viewer{ID: "guard-1", Role: account.RoleGuardian}, "ward-1", nil, 2},
		{"unlinked guardian", Viewer{ID: "guard-2", Role: account.RoleGuardian}, "ward-1", ErrNotLinked, 0},
		{"other ward", Viewer{ID: "ward-2", Role: account.RoleWard}, "ward-1", ErrNotLinked, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExecuteWardHistory(ctx, tt.viewer, tt.wardID, 0, deps)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if len(got) != tt.wantN {
				t.Errorf("records = %d, want %d", len(got), tt.wantN)
			}
		})
	}
	if hist.limit != DefaultHistoryLimit {
		t.Errorf("limit = %d, want default", hist.limit)
	}
}

func TestExecuteEvidenceAccess(t *testing.T) {
	deps, _ := accessDeps()
	ctx := context.Background()
	guard := Viewer{ID: "guard-1", Role: account.RoleGuardian}

	ep, err := ExecuteEvidenceAccess(ctx, guard, "ep-audio", deps)
	if err != nil {
		t.Fatalf("ExecuteEvidenceAccess() error = %v", err)
	}
	if ep.AudioRef != "ep-audio.webm" {
		t.Errorf("AudioRef = %q", ep.AudioRef)
	}

	if _, err := ExecuteEvidenceAccess(ctx, guard, "ep-silent", deps); !errors.Is(err, ErrNoEvidence) {
		t.Errorf("silent episode error = %v", err)
	}
	if _, err := ExecuteEvidenceAccess(ctx, guard, "ep-other", deps); !errors.Is(err, ErrNotLinked) {
		t.Errorf("unlinked episode error = %v", err)
	}
	if _, err := ExecuteEvidenceAccess(ctx, guard, "missing", deps); err == nil {
		t.Error("missing episode should error")
	}
}

func TestExecuteWardEpisodes(t *testing.T) {
	deps, _ := accessDeps()
	ctx := context.Background()

	got, err := ExecuteWardEpisodes(ctx, Viewer{ID: "guard-1", Role: account.RoleGuardian}, "ward-1", 0, deps)
	if err != nil {
		t.Fatalf("ExecuteWardEpisodes() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("episodes = %d, want 2", len(got))
	}

	if _, err := ExecuteWardEpisodes(ctx, Viewer{ID: "guard-2", Role: account.RoleGuardian}, "ward-1", 0, deps); !errors.Is(err, ErrNotLinked) {
		t.Errorf("unlinked error = %v, want ErrNotLinked", err)
	}
}
