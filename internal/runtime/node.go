package runtime

// NodeRuntime configures execution of JavaScript code on Node.js.
type NodeRuntime struct{}

func (n *NodeRuntime) Language() Language { return JavaScript }

func (n *NodeRuntime) Image() string { return "node:18-slim" }

func (n *NodeRuntime) Command(codePath string) []string {
	return []string{
		"node",
		"--max-old-space-size=192", // Keep V8 heap under the container memory ceiling
		codePath,
	}
}

func (n *NodeRuntime) FileExtension() string { return ".js" }

func (n *NodeRuntime) Env() []string { return nil }

func (n *NodeRuntime) Validate(code string) error {
	return validateSize(code)
}
