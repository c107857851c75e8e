package project

import (
	"context"
	"testing"
)

func TestNoopVerifierAlwaysPasses(t *testing.T) {
	v := NoopVerifier{}
	report, err := v.Verify(context.Background(), "/tmp")
	if err != nil {
		t.Fatal(err)
	}
	if !report.Passed {
		t.Fatal("expected NoopVerifier to always pass")
	}
}

func TestNoopAnalyzerReturnsEmptyAnalysis(t *testing.T) {
	a := NoopAnalyzer{}
	analysis, err := a.Analyze(context.Background(), "/tmp")
	if err != nil {
		t.Fatal(err)
	}
	if analysis.FileTree != "" || analysis.KeyFiles != nil {
		t.Fatalf("expected empty analysis, got %+v", analysis)
	}
}

func TestCommandVerifierReportsFailureOutput(t *testing.T) {
	v := &CommandVerifier{Commands: [][]string{{"false"}}}
	report, err := v.Verify(context.Background(), "/tmp")
	if err != nil {
		t.Fatal(err)
	}
	if report.Passed {
		t.Fatal("expected a failing command to fail verification")
	}
}

func TestCommandVerifierPassesWhenEveryCommandSucceeds(t *testing.T) {
	v := &CommandVerifier{Commands: [][]string{{"true"}}}
	report, err := v.Verify(context.Background(), "/tmp")
	if err != nil {
		t.Fatal(err)
	}
	if !report.Passed {
		t.Fatalf("expected passing commands to verify, got output: %s", report.Output)
	}
}
