package salve

import (
	"testing"

	"github.com/google/uuid"
)

type setStatusTestcase struct {
	Name    string
	Patch   PatchArtifact
	Status  PatchStatus
	WantErr bool
}

func (tc setStatusTestcase) Run(t *testing.T) {
	err := tc.Patch.SetStatus(tc.Status)
	if tc.WantErr && err == nil {
		t.Error("expected transition to be refused")
	}
	if !tc.WantErr && err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !tc.WantErr && tc.Patch.Status != tc.Status {
		t.Errorf("got status %v, want %v", tc.Patch.Status, tc.Status)
	}
}

func TestSetStatus(t *testing.T) {
	t.Parallel()
	okReport := &ValidationReport{SyntaxValid: true, SafetyScore: 1, Valid: true}
	tt := []setStatusTestcase{
		{
			Name:   "Validated",
			Patch:  PatchArtifact{ID: uuid.New(), Status: PatchGenerated},
			Status: PatchValidated,
		},
		{
			Name: "TestPassedOK",
			Patch: PatchArtifact{
				ID:         uuid.New(),
				Confidence: 0.8,
				Validation: okReport,
				Status:     PatchTestPending,
			},
			Status: PatchTestPassed,
		},
		{
			Name: "TestPassedLowConfidence",
			Patch: PatchArtifact{
				ID:         uuid.New(),
				Confidence: 0.5,
				Validation: okReport,
				Status:     PatchTestPending,
			},
			Status:  PatchTestPassed,
			WantErr: true,
		},
		{
			Name: "TestPassedNoValidation",
			Patch: PatchArtifact{
				ID:         uuid.New(),
				Confidence: 0.9,
				Status:     PatchTestPending,
			},
			Status:  PatchTestPassed,
			WantErr: true,
		},
		{
			Name: "TestPassedForbidden",
			Patch: PatchArtifact{
				ID:         uuid.New(),
				Confidence: 0.9,
				Validation: &ValidationReport{
					SyntaxValid: true,
					Forbidden:   []string{`rm\s+-rf\s+/`},
				},
				Status: PatchTestPending,
			},
			Status:  PatchTestPassed,
			WantErr: true,
		},
		{
			// Failure statuses never gate.
			Name: "TestFailedAlwaysAllowed",
			Patch: PatchArtifact{
				ID:     uuid.New(),
				Status: PatchTestPending,
			},
			Status: PatchTestFailed,
		},
	}
	for _, tc := range tt {
		t.Run(tc.Name, tc.Run)
	}
}

func TestStatusRoundtrip(t *testing.T) {
	t.Parallel()
	for _, s := range []PatchStatus{
		PatchGenerated, PatchValidated, PatchValidationFailed,
		PatchTestPending, PatchTestPassed, PatchTestFailed,
		PatchApproved, PatchRejected,
	} {
		b, err := s.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var got PatchStatus
		if err := got.UnmarshalText(b); err != nil {
			t.Fatalf("%q: %v", b, err)
		}
		if got != s {
			t.Errorf("got: %v, want: %v", got, s)
		}
	}
}

func TestStrategyRoundtrip(t *testing.T) {
	t.Parallel()
	for _, s := range []PatchStrategy{
		StrategyPackageUpdate, StrategyConfigChange, StrategyWorkaround,
	} {
		b, err := s.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var got PatchStrategy
		if err := got.UnmarshalText(b); err != nil {
			t.Fatalf("%q: %v", b, err)
		}
		if got != s {
			t.Errorf("got: %v, want: %v", got, s)
		}
	}
}
