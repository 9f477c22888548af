package runtime

// BashRuntime configures execution of shell scripts. The alpine image ships
// busybox sh, which covers the POSIX subset generated scripts use.
type BashRuntime struct{}

func (b *BashRuntime) Language() Language { return Bash }

func (b *BashRuntime) Image() string { return "alpine:3.19" }

func (b *BashRuntime) Command(codePath string) []string {
	return []string{"/bin/sh", codePath}
}

func (b *BashRuntime) FileExtension() string { return ".sh" }

func (b *BashRuntime) Env() []string { return nil }

func (b *BashRuntime) Validate(code string) error {
	return validateSize(code)
}
