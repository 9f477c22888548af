package runtime

// GoRuntime configures execution of Go code.
type GoRuntime struct{}

func (g *GoRuntime) Language() Language { return Go }

func (g *GoRuntime) Image() string { return "golang:1.20-alpine" }

func (g *GoRuntime) Command(codePath string) []string {
	return []string{"go", "run", codePath}
}

func (g *GoRuntime) FileExtension() string { return ".go" }

// Env points the build cache at the tmpfs; the image's defaults live on the
// read-only root.
func (g *GoRuntime) Env() []string {
	return []string{
		"GOCACHE=/tmp/.cache/go-build",
		"GOPATH=/tmp/go",
		"CGO_ENABLED=0",
	}
}

func (g *GoRuntime) Validate(code string) error {
	return validateSize(code)
}
