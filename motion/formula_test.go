package motion

import "testing"

func TestStackHeightClampsAtZero(t *testing.T) {
	cfg := GeometryConfig{TrayHeight: 100}
	if got := StackHeight(cfg, 150); got != 0 {
		t.Errorf("StackHeight = %v, want 0", got)
	}
	if got := StackHeight(cfg, 40); got != 60 {
		t.Errorf("StackHeight = %v, want 60", got)
	}
}

func TestTargetPositionMMUsesDirectionSpecificReference(t *testing.T) {
	cfg := GeometryConfig{HeightInit: 1000, CameraHeight: 300, CoderHeight: 500, TrayHeight: 200}
	stack := StackHeight(cfg, 80) // 120

	out := TargetPositionMM(cfg, "out", stack)
	if want := 1000 - 500 - 120.0; out != want {
		t.Errorf("TargetPositionMM(out) = %v, want %v", out, want)
	}

	in := TargetPositionMM(cfg, "in", stack)
	if want := 1000 - 300 - 120.0; in != want {
		t.Errorf("TargetPositionMM(in) = %v, want %v", in, want)
	}
}
