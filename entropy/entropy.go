package entropy

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"os/exec"
)

// GetRandom reads n bytes of randomness from whatever Reader is passed in, and returns
// those bytes as the requested randomness.
func GetRandom(source io.Reader, n uint32) ([]byte, error) {
	if source == nil {
		source = rand.Reader
	}

	randomBytes := make([]byte, n)
	bytesRead, err := source.Read(randomBytes)
	if err != nil || uint32(bytesRead) != n {
		// If the custom entropy source fails, fall back to the Golang
		// crypto/rand generator rather than requesting with a short seed.
		_, err := rand.Read(randomBytes)
		return randomBytes, err
	}
	return randomBytes, nil
}

// ScriptReader feeds user-provided entropy into the local seed of a draw.
type ScriptReader struct {
	Path string
}

var _ io.Reader = &ScriptReader{}

// Read calls the executable as many times needed to fill the array p
// n == len(p) if and only if err == nil
func (r *ScriptReader) Read(p []byte) (n int, err error) {
	if r.Path == "" {
		return 0, errors.New("no reader was provided")
	}
	var b bytes.Buffer
	read := 0
	for read < len(p) {
		cmd := exec.Command(r.Path) // #nosec
		cmd.Stdout = &b
		err = cmd.Run()
		if err != nil {
			return read, err
		}
		read += copy(p[read:], b.Bytes())
	}
	return len(p), nil
}

// GetPath returns the path of the script
func (r *ScriptReader) GetPath() string {
	return r.Path
}

// NewScriptReader creates a new ScriptReader struct
func NewScriptReader(path string) *ScriptReader {
	return &ScriptReader{path}
}
