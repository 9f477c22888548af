package classify

import (
	"testing"

	"code-runner-sandbox/internal/runtime"
)

func TestClassify(t *testing.T) {
	c := New()

	tests := []struct {
		name     string
		lang     runtime.Language
		text     string
		wantName string
		wantLine int
	}{
		{"clean", runtime.Python, "hello\n42\n", "", 0},
		{"empty", runtime.Python, "  \n", "", 0},
		{
			"python traceback",
			runtime.Python,
			"start\nTraceback (most recent call last):\n  File \"x.py\"\nZeroDivisionError: division by zero\n",
			"python_traceback", 2,
		},
		{"python import", runtime.Python, "ModuleNotFoundError: No module named 'numpy'", "module_not_found", 1},
		{"node reference", runtime.JavaScript, "x\nReferenceError: foo is not defined", "reference_error", 2},
		{"node missing module", runtime.JavaScript, "Error: Cannot find module 'left-pad'", "missing_module", 1},
		{"go panic", runtime.Go, "panic: runtime error: index out of range", "go_panic", 1},
		{"go dump", runtime.Go, "goroutine 1 [running]:\nmain.main()", "goroutine_dump", 1},
		{"python markers ignored for node", runtime.JavaScript, "KeyError: 'a'", "", 0},
		{"common applies everywhere", runtime.Text, "Traceback (most recent call last):", "python_traceback", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := c.Classify(tt.lang, tt.text)
			if tt.wantName == "" {
				if ok {
					t.Fatalf("Classify() matched %q, want none", m.Signature.Name)
				}
				return
			}
			if !ok {
				t.Fatal("Classify() found no match")
			}
			if m.Signature.Name != tt.wantName {
				t.Errorf("signature = %q, want %q", m.Signature.Name, tt.wantName)
			}
			if m.Line != tt.wantLine {
				t.Errorf("line = %d, want %d", m.Line, tt.wantLine)
			}
			if m.Language != tt.lang {
				t.Errorf("language = %q, want %q", m.Language, tt.lang)
			}
		})
	}
}

func TestRegister(t *testing.T) {
	c := New()
	if _, ok := c.Classify(runtime.Text, "ERR: disk full"); ok {
		t.Fatal("unexpected match before Register")
	}

	c.Register(runtime.Text, Signature{Name: "custom", Marker: "ERR:"})
	m, ok := c.Classify(runtime.Text, "ERR: disk full")
	if !ok || m.Signature.Name != "custom" {
		t.Errorf("Classify() = %+v, %v", m, ok)
	}

	c.Register("", Signature{Name: "oom", Marker: "Killed"})
	if _, ok := c.Classify(runtime.Bash, "Killed"); !ok {
		t.Error("common signature not applied")
	}
}

func TestLanguages(t *testing.T) {
	got := New().Languages()
	want := []runtime.Language{runtime.Bash, runtime.Go, runtime.JavaScript, runtime.Python}
	if len(got) != len(want) {
		t.Fatalf("Languages() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Languages()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNop(t *testing.T) {
	if _, ok := (Nop{}).Classify(runtime.Python, "Traceback (most recent call last):"); ok {
		t.Error("Nop matched")
	}
}
