package ui

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

// --- FormatError ---

func TestFormatErrorBasicMessage(t *testing.T) {
	out := FormatError("something broke")
	if !strings.Contains(out, "Error:") {
		t.Error("expected 'Error:' prefix")
	}
	if !strings.Contains(out, "something broke") {
		t.Error("expected message in output")
	}
}

func TestFormatErrorNoSuggestions(t *testing.T) {
	out := FormatError("something broke")
	if strings.Contains(out, "Try:") {
		t.Error("should not contain 'Try:' when no suggestions")
	}
}

func TestFormatErrorWithSuggestions(t *testing.T) {
	out := FormatError("port 8420 in use",
		"foreman start --port 8421",
		"foreman stop",
	)
	if !strings.Contains(out, "Try:") {
		t.Error("expected 'Try:' section")
	}
	if !strings.Contains(out, "foreman start --port 8421") {
		t.Error("expected first suggestion")
	}
	if !strings.Contains(out, "foreman stop") {
		t.Error("expected second suggestion")
	}
	if !strings.Contains(out, SymbolArrow) {
		t.Error("expected arrow symbol in suggestions")
	}
}

// --- StepSpinner (non-TTY / noSpin mode) ---

func TestStepSpinnerNoSpinStart(t *testing.T) {
	var buf bytes.Buffer
	sp := NewStepSpinner(&buf, true)
	sp.Start("Connecting...")

	out := buf.String()
	if !strings.Contains(out, "Connecting...") {
		t.Errorf("expected step message, got %q", out)
	}
}

func TestStepSpinnerNoSpinDone(t *testing.T) {
	var buf bytes.Buffer
	sp := NewStepSpinner(&buf, true)
	sp.Start("Connecting...")
	sp.Done()

	out := buf.String()
	if !strings.Contains(out, SymbolCheck) {
		t.Errorf("expected check symbol in done output, got %q", out)
	}
}

func TestStepSpinnerNoSpinFail(t *testing.T) {
	var buf bytes.Buffer
	sp := NewStepSpinner(&buf, true)
	sp.Start("Connecting...")
	sp.Fail()

	out := buf.String()
	if !strings.Contains(out, SymbolCross) {
		t.Errorf("expected cross symbol in fail output, got %q", out)
	}
}

func TestStepSpinnerStopNoPanic(t *testing.T) {
	// Stop without Start should not panic.
	var buf bytes.Buffer
	sp := NewStepSpinner(&buf, true)
	sp.Stop()
}

func TestStepSpinnerMultipleSteps(t *testing.T) {
	var buf bytes.Buffer
	sp := NewStepSpinner(&buf, true)

	sp.Start("Step 1...")
	sp.Done()
	sp.Start("Step 2...")
	sp.Done()

	out := buf.String()
	if !strings.Contains(out, "Step 1...") {
		t.Error("expected Step 1")
	}
	if !strings.Contains(out, "Step 2...") {
		t.Error("expected Step 2")
	}
	if strings.Count(out, SymbolCheck) != 2 {
		t.Errorf("expected 2 check marks, got %d", strings.Count(out, SymbolCheck))
	}
}

// --- ColorEnabled ---

func TestColorEnabledRespectsNO_COLOR(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	if ColorEnabled() {
		t.Error("ColorEnabled should return false when NO_COLOR is set")
	}
}

func TestColorEnabledEmptyNO_COLOR(t *testing.T) {
	t.Setenv("NO_COLOR", "")
	// NO_COLOR spec says presence (even empty) disables color.
	if ColorEnabled() {
		t.Error("ColorEnabled should return false when NO_COLOR is set to empty string")
	}
}

func TestColorEnabledFdRespectsNO_COLOR(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	if ColorEnabledFd(os.Stderr.Fd()) {
		t.Error("ColorEnabledFd should return false when NO_COLOR is set")
	}
}

// --- ForcedRenderer ---

func TestForcedRendererReturnsNonNil(t *testing.T) {
	r := ForcedRenderer()
	if r == nil {
		t.Fatal("ForcedRenderer should not return nil")
	}
}

func TestForcedRendererProducesANSI(t *testing.T) {
	r := ForcedRenderer()
	out := r.NewStyle().Bold(true).Render("test")
	if !strings.Contains(out, "test") {
		t.Error("rendered text should contain original text")
	}
	if !strings.Contains(out, "\033[") && !strings.Contains(out, "\x1b[") {
		t.Error("forced renderer should produce ANSI escape codes")
	}
}

func TestForcedRendererSingleton(t *testing.T) {
	r1 := ForcedRenderer()
	r2 := ForcedRenderer()
	if r1 != r2 {
		t.Error("ForcedRenderer should return the same instance")
	}
}

// --- Styles render text ---

func TestStylesRenderText(t *testing.T) {
	tests := []struct {
		name  string
		style func(...string) string
	}{
		{"StyleBold", StyleBold.Render},
		{"StyleDim", StyleDim.Render},
		{"StyleCyan", StyleCyan.Render},
		{"StyleGreen", StyleGreen.Render},
		{"StyleYellow", StyleYellow.Render},
		{"StyleRed", StyleRed.Render},
		{"StyleBoldCyan", StyleBoldCyan.Render},
		{"StyleBoldGreen", StyleBoldGreen.Render},
		{"StyleBoldRed", StyleBoldRed.Render},
		{"StyleSuccess", StyleSuccess.Render},
		{"StyleWarning", StyleWarning.Render},
		{"StyleError", StyleError.Render},
		{"StyleBrandHeader", StyleBrandHeader.Render},
		{"StyleCode", StyleCode.Render},
		{"StyleHint", StyleHint.Render},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := tt.style("hello")
			if !strings.Contains(out, "hello") {
				t.Errorf("%s.Render(\"hello\") = %q, does not contain original text", tt.name, out)
			}
		})
	}
}
