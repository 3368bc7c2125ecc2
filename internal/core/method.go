package core

import "fmt"

// UploadMethod is how the user supplies images. It is a closed set: the
// unexported marker keeps other packages from adding variants.
type UploadMethod interface {
	uploadMethod()
	String() string
}

// MethodChoose is the initial state where no source has been picked.
type MethodChoose struct{}

// MethodCamera reads a single captured frame, "-" meaning stdin so a capture
// tool can be piped in.
type MethodCamera struct {
	Device string
}

// MethodFile uploads files from disk.
type MethodFile struct {
	Paths []string
}

func (MethodChoose) uploadMethod() {}
func (MethodCamera) uploadMethod() {}
func (MethodFile) uploadMethod()   {}

func (MethodChoose) String() string { return "choose" }
func (MethodCamera) String() string { return "camera" }
func (MethodFile) String() string   { return "file" }

// ParseUploadMethod maps the CLI flag value to a variant.
func ParseUploadMethod(name string, args []string) (UploadMethod, error) {
	switch name {
	case "", "choose":
		if len(args) > 0 {
			return MethodFile{Paths: args}, nil
		}
		return MethodChoose{}, nil
	case "camera":
		dev := "-"
		if len(args) > 0 {
			dev = args[0]
		}
		return MethodCamera{Device: dev}, nil
	case "file":
		return MethodFile{Paths: args}, nil
	default:
		return nil, fmt.Errorf("unknown upload method %q", name)
	}
}
