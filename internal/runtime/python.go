package runtime

// PythonRuntime configures execution of Python code.
type PythonRuntime struct{}

func (p *PythonRuntime) Language() Language { return Python }

func (p *PythonRuntime) Image() string { return "python:3.11-slim" }

func (p *PythonRuntime) Command(codePath string) []string {
	return []string{
		"python", "-u", // Unbuffered output
		"-B", // Don't write .pyc files into the read-only code mount
		codePath,
	}
}

func (p *PythonRuntime) FileExtension() string { return ".py" }

func (p *PythonRuntime) Env() []string {
	return []string{"PYTHONDONTWRITEBYTECODE=1", "PYTHONUNBUFFERED=1"}
}

func (p *PythonRuntime) Validate(code string) error {
	return validateSize(code)
}
